/*
Package security provides the orchestrator's AES-256-GCM encryption
helpers and node-auth-token hashing.

SecretsManager (and the package-level Encrypt/Decrypt, backed by a
process-wide key installed with SetDeploymentEncryptionKey) encrypt and
decrypt arbitrary payloads. No other package calls them: pkg/mesh
persists WireGuard private keys as plain text. GenerateRawToken/
HashToken/TokensMatch implement the one-way token scheme the node
registry uses: a node only ever sees the raw token once, and only its
SHA-256 hash is stored.
*/
package security

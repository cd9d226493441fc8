// Package auth implements the user-facing API's authentication: wallet-
// signature login (EIP-191 personal_sign recovery via secp256k1 + Keccak-256,
// checksum address derivation, new-user creation on first sight), JWT
// access token issuance/validation, rotating opaque refresh tokens, and
// "dc_"-prefixed API keys as an alternate credential.
package auth

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/orcherr"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/sha3"
)

const (
	loginTimestampSkew = 5 * time.Minute
	refreshTokenBytes  = 32
	apiKeyBytes        = 24
	apiKeyPrefixLen    = 8
	apiKeyDisplayPfx   = "dc_"
	personalSignPrefix = "\x19Ethereum Signed Message:\n"
)

// Claims is the JWT payload issued for a logged-in user.
type Claims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

// WalletLogin is the wallet-signature login request: the user signs
// Message (which embeds a timestamp) with their wallet's private key.
type WalletLogin struct {
	Address   string
	Message   string
	Signature []byte // 65-byte [R||S||V] as produced by personal_sign
	Timestamp time.Time
}

// Tokens is the pair issued on successful login or refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // seconds
}

// Service implements wallet-signature login, JWT issuance/validation, and
// API key issuance/validation for the user-facing API.
type Service struct {
	store  storage.Store
	cfg    *config.Config
	logger zerolog.Logger
}

// NewService creates an auth service.
func NewService(store storage.Store, cfg *config.Config) *Service {
	return &Service{store: store, cfg: cfg, logger: log.WithComponent("auth")}
}

// Login verifies a wallet-signature login request, creating the user on
// first sight, and issues a fresh access/refresh token pair.
func (s *Service) Login(req WalletLogin) (*Tokens, error) {
	if time.Since(req.Timestamp).Abs() > loginTimestampSkew {
		return nil, orcherr.New(orcherr.KindSecurityFailure, "login timestamp outside allowed skew")
	}

	recovered, err := recoverAddress(req.Message, req.Signature)
	if err != nil {
		return nil, orcherr.New(orcherr.KindSecurityFailure, fmt.Sprintf("signature recovery failed: %v", err))
	}
	if !strings.EqualFold(recovered, req.Address) {
		return nil, orcherr.New(orcherr.KindSecurityFailure, "recovered address does not match claimed address")
	}

	userID := toChecksumAddress(recovered)
	user, err := s.store.GetUser(userID)
	if err != nil {
		user = &types.User{ID: userID, CreatedAt: time.Now()}
		if err := s.store.CreateUser(user); err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
	}
	if user.Suspended {
		return nil, orcherr.New(orcherr.KindSecurityFailure, "user is suspended")
	}

	return s.issueTokens(user.ID)
}

func (s *Service) issueTokens(userID string) (*Tokens, error) {
	access, err := s.issueAccessToken(userID)
	if err != nil {
		return nil, err
	}

	raw, err := randomToken(refreshTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	rt := &types.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: hashToken(raw),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(s.cfg.RefreshTokenTTL),
	}
	if err := s.store.CreateRefreshToken(rt); err != nil {
		return nil, fmt.Errorf("persist refresh token: %w", err)
	}

	return &Tokens{
		AccessToken:  access,
		RefreshToken: raw,
		ExpiresIn:    int64(s.cfg.JWTAccessTTL.Seconds()),
	}, nil
}

func (s *Service) issueAccessToken(userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTAccessTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSigningKey))
}

// ValidateAccessToken parses and verifies a JWT, returning the user id it
// was issued for.
func (s *Service) ValidateAccessToken(tokenString string) (string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSigningKey), nil
	})
	if err != nil {
		return "", orcherr.New(orcherr.KindSecurityFailure, fmt.Sprintf("invalid access token: %v", err))
	}
	if !parsed.Valid {
		return "", orcherr.New(orcherr.KindSecurityFailure, "invalid access token")
	}
	return claims.UserID, nil
}

// Refresh exchanges a valid, unexpired refresh token for a new token
// pair, revoking the old one (rotation).
func (s *Service) Refresh(rawRefreshToken string) (*Tokens, error) {
	rt, err := s.store.GetRefreshTokenByHash(hashToken(rawRefreshToken))
	if err != nil {
		return nil, orcherr.New(orcherr.KindSecurityFailure, "unknown refresh token")
	}
	if rt.Revoked || time.Now().After(rt.ExpiresAt) {
		return nil, orcherr.New(orcherr.KindSecurityFailure, "refresh token expired or revoked")
	}
	if err := s.store.DeleteRefreshToken(rt.ID); err != nil {
		return nil, fmt.Errorf("revoke refresh token: %w", err)
	}
	return s.issueTokens(rt.UserID)
}

// IssueApiKey mints a new API key for userID. The raw key (prefixed
// "dc_") is returned exactly once; only its hash is persisted.
func (s *Service) IssueApiKey(userID, name string) (string, error) {
	raw, err := randomToken(apiKeyBytes)
	if err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	prefix := raw[:apiKeyPrefixLen]
	key := &types.ApiKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Prefix:    prefix,
		KeyHash:   hashToken(raw),
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateApiKey(key); err != nil {
		return "", fmt.Errorf("persist api key: %w", err)
	}
	return apiKeyDisplayPfx + raw, nil
}

// ValidateApiKey authenticates a raw "dc_"-prefixed API key and returns
// the owning user id.
func (s *Service) ValidateApiKey(raw string) (string, error) {
	raw = strings.TrimPrefix(raw, apiKeyDisplayPfx)
	if len(raw) < apiKeyPrefixLen {
		return "", orcherr.New(orcherr.KindSecurityFailure, "malformed api key")
	}
	key, err := s.store.GetApiKeyByPrefix(raw[:apiKeyPrefixLen])
	if err != nil {
		return "", orcherr.New(orcherr.KindSecurityFailure, "unknown api key")
	}
	if key.Revoked || key.KeyHash != hashToken(raw) {
		return "", orcherr.New(orcherr.KindSecurityFailure, "invalid api key")
	}
	key.LastUsedAt = time.Now()
	_ = s.store.UpdateApiKey(key)
	return key.UserID, nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// recoverAddress recovers the Ethereum-style address that produced sig
// over message, following EIP-191's personal_sign digest construction.
func recoverAddress(message string, sig []byte) (string, error) {
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	compact := make([]byte, 65)
	recoveryID := sig[64]
	if recoveryID >= 27 {
		recoveryID -= 27
	}
	compact[0] = recoveryID + 27
	copy(compact[1:], sig[:64])

	digest := keccak256([]byte(fmt.Sprintf("%s%d%s", personalSignPrefix, len(message), message)))

	pubKey, _, err := ecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}

	pubKeyBytes := pubKey.SerializeUncompressed()
	addrHash := keccak256(pubKeyBytes[1:])
	return "0x" + hex.EncodeToString(addrHash[12:]), nil
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// toChecksumAddress applies EIP-55 mixed-case checksum encoding to a
// 0x-prefixed hex address.
func toChecksumAddress(addr string) string {
	addr = strings.ToLower(strings.TrimPrefix(addr, "0x"))
	hash := keccak256([]byte(addr))

	var sb strings.Builder
	sb.WriteString("0x")
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		var nibble byte
		if i%2 == 0 {
			nibble = hash[i/2] >> 4
		} else {
			nibble = hash[i/2] & 0x0f
		}
		if nibble >= 8 && c >= 'a' && c <= 'f' {
			sb.WriteByte(c - 'a' + 'A')
		} else {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

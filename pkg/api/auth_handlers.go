package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/decloud/orchestrator/pkg/auth"
)

type walletLoginRequest struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"` // hex-encoded 65-byte [R||S||V]
	Timestamp int64  `json:"timestamp"` // unix seconds
}

type tokensResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req walletLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	sig, err := hex.DecodeString(trimHexPrefix(req.Signature))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "signature must be hex-encoded")
		return
	}

	tokens, err := s.auth.Login(auth.WalletLogin{
		Address:   req.Address,
		Message:   req.Message,
		Signature: sig,
		Timestamp: time.Unix(req.Timestamp, 0),
	})
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, tokensResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    tokens.ExpiresIn,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	tokens, err := s.auth.Refresh(req.RefreshToken)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, tokensResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    tokens.ExpiresIn,
	})
}

type issueApiKeyRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleIssueApiKey(w http.ResponseWriter, r *http.Request) {
	var req issueApiKeyRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	raw, err := s.auth.IssueApiKey(UserIDFromContext(r.Context()), req.Name)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusCreated, map[string]string{"apiKey": raw})
}

// trimHexPrefix strips a leading "0x" from a hex-encoded signature if present.
func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/duckpass/duckpass/internal/common"
	"github.com/duckpass/duckpass/internal/server/models"
	"github.com/duckpass/duckpass/internal/server/services"
)

// maxBodyBytes bounds request bodies; vault blobs are the largest payload.
const maxBodyBytes = 16 << 20

const tokenTypeBearer = "bearer"

type messageResponse struct {
	Message string `json:"message"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type twoFactorRequiredResponse struct {
	Detail            string `json:"detail"`
	TwoFactorRequired bool   `json:"two_factor_required"`
}

type credentialsRequest struct {
	Email                 string  `json:"email"`
	KeyHash               string  `json:"key_hash"`
	KeyHashConf           string  `json:"key_hash_conf"`
	SymmetricKeyEncrypted string  `json:"symmetric_key_encrypted"`
	Vault                 *string `json:"vault"`
}

func (c credentialsRequest) credentials() services.Credentials {
	return services.Credentials{
		KeyHash:               c.KeyHash,
		KeyHashConf:           c.KeyHashConf,
		SymmetricKeyEncrypted: c.SymmetricKeyEncrypted,
	}
}

type vaultRequest struct {
	Vault *string `json:"vault"`
}

type userResponse struct {
	ID                    int64   `json:"id"`
	Email                 string  `json:"email"`
	SymmetricKeyEncrypted string  `json:"symmetric_key_encrypted"`
	HasTwoFactorAuth      bool    `json:"has_two_factor_auth"`
	Vault                 *string `json:"vault"`
}

type authKeyResponse struct {
	AuthKey string `json:"auth_key"`
	URL     string `json:"url"`
}

type enableTwoFactorRequest struct {
	AuthKey  string `json:"auth_key"`
	TOTPCode string `json:"totp_code"`
}

type checkTwoFactorRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	KeyHash  string `json:"key_hash"`
	TOTPCode string `json:"totp_code"`
}

type vaultBackupResponse struct {
	URL       string    `json:"url"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed request body", common.ErrorValidation)
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, err := s.users.Register(r.Context(), req.Email, req.credentials()); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "User created successfully"})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	if err := s.users.Verify(r.Context(), r.URL.Query().Get("token")); err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, s.users.VerifiedRedirectURL(), http.StatusTemporaryRedirect)
}

// token is the OAuth2 password grant: form fields username and password
// carry the email and the base64 master key hash.
func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: malformed form", common.ErrorValidation))
		return
	}

	res, err := s.auth.Login(r.Context(), r.PostForm.Get("username"), r.PostForm.Get("password"))
	if err != nil {
		s.metrics.ObserveAuth("password", "failure")
		s.writeError(w, r, err)
		return
	}

	if res.TwoFactorRequired {
		s.metrics.ObserveAuth("password", "two_factor_required")
		w.Header().Set("WWW-Authenticate", common.BearerScheme)
		writeJSON(w, http.StatusOK, twoFactorRequiredResponse{
			Detail:            "Two-factor authentication is enabled",
			TwoFactorRequired: true,
		})
		return
	}

	s.metrics.ObserveAuth("password", "success")
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: res.AccessToken, TokenType: tokenTypeBearer})
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func toUserResponse(u *models.User) userResponse {
	resp := userResponse{
		ID:                    u.ID,
		Email:                 u.Email,
		SymmetricKeyEncrypted: u.SymmetricKeyEncrypted,
		HasTwoFactorAuth:      u.HasTwoFactorAuth,
	}
	if u.Vault != nil {
		v := string(u.Vault)
		resp.Vault = &v
	}
	return resp
}

func (s *Server) updateVault(w http.ResponseWriter, r *http.Request) {
	var req vaultRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.users.UpdateVault(r.Context(), userFrom(r.Context()), req.Vault); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Vault updated successfully"})
}

func (s *Server) updateEmail(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	token, err := s.users.UpdateEmail(ctx, userFrom(ctx), tokenFrom(ctx), req.Email, req.credentials(), req.Vault)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: tokenTypeBearer})
}

func (s *Server) updatePassword(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.users.UpdatePassword(r.Context(), userFrom(r.Context()), req.credentials(), req.Vault); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Password changed successfully"})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.users.Logout(r.Context(), tokenFrom(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Logout successful"})
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.users.DeleteAccount(ctx, userFrom(ctx), tokenFrom(ctx)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Account deleted successfully"})
}

func (s *Server) generateAuthKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.twoFactor.GenerateAuthKey(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authKeyResponse{AuthKey: key.Secret, URL: key.URL})
}

// enableTwoFactorAuth takes auth_key and totp_code from the JSON body or,
// failing that, from the query string.
func (s *Server) enableTwoFactorAuth(w http.ResponseWriter, r *http.Request) {
	var req enableTwoFactorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	if req.AuthKey == "" {
		req.AuthKey = q.Get("auth_key")
	}
	if req.TOTPCode == "" {
		req.TOTPCode = q.Get("totp_code")
	}

	if err := s.twoFactor.Enable(r.Context(), userFrom(r.Context()), req.AuthKey, req.TOTPCode); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Two-factor authentication enabled successfully"})
}

func (s *Server) checkTwoFactorAuth(w http.ResponseWriter, r *http.Request) {
	var req checkTwoFactorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	email := req.Email
	if email == "" {
		email = req.Username
	}

	token, err := s.twoFactor.Check(r.Context(), email, req.KeyHash, req.TOTPCode)
	if err != nil {
		s.metrics.ObserveAuth("totp", "failure")
		s.writeError(w, r, err)
		return
	}

	s.metrics.ObserveAuth("totp", "success")
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: tokenTypeBearer})
}

func (s *Server) disableTwoFactorAuth(w http.ResponseWriter, r *http.Request) {
	if err := s.twoFactor.Disable(r.Context(), userFrom(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Two-factor authentication disabled successfully"})
}

func (s *Server) breaches(w http.ResponseWriter, r *http.Request) {
	list, err := s.users.Breaches(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.BreachSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) vaultBackup(w http.ResponseWriter, r *http.Request) {
	link, latest, err := s.users.VaultBackupURL(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vaultBackupResponse{URL: link, Size: latest.Size, CreatedAt: latest.CreatedAt})
}

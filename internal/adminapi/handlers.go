// Package adminapi exposes the handshake surface (get_config,
// key_exchange, complete_key_rotation) and a bearer-JWT-gated admin
// rotation trigger over HTTP.
package adminapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/jaydenbeard/titan-crypt/internal/config"
	"github.com/jaydenbeard/titan-crypt/internal/cryptosession"
)

// Handler wraps the collaborators every route needs: the session
// Manager and the advertised policy.
type Handler struct {
	manager *cryptosession.Manager
	policy  config.PolicyConfig
	logger  *log.Logger

	jwtKeyMu sync.RWMutex
	jwtKey   []byte
}

// New builds a Handler.
func New(manager *cryptosession.Manager, policy config.PolicyConfig, jwtSecret string) *Handler {
	return &Handler{
		manager: manager,
		policy:  policy,
		jwtKey:  []byte(jwtSecret),
		logger:  log.New(os.Stdout, "[ADMINAPI] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

func (h *Handler) currentJWTKey() []byte {
	h.jwtKeyMu.RLock()
	defer h.jwtKeyMu.RUnlock()
	return h.jwtKey
}

func (h *Handler) setJWTKey(key []byte) {
	h.jwtKeyMu.Lock()
	defer h.jwtKeyMu.Unlock()
	h.jwtKey = key
}

// RegisterRoutes mounts every route on router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/crypto/config", h.GetConfig).Methods(http.MethodGet)
	router.HandleFunc("/v1/crypto/handshake", h.KeyExchange).Methods(http.MethodPost)
	router.HandleFunc("/v1/crypto/rotation/ack", h.CompleteKeyRotation).Methods(http.MethodPost)
	router.Handle("/v1/admin/crypto/rotate/{user_id}", h.adminOnly(http.HandlerFunc(h.ForceRotate))).Methods(http.MethodPost)
	router.Handle("/v1/admin/crypto/jwt/rotate", h.adminOnly(http.HandlerFunc(h.RotateJWTSecret))).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("ERROR: adminapi failed to encode JSON response: %v", err)
	}
}

// GetConfig implements get_config — an unauthenticated-readable
// advertisement of policy.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"enabled":  h.policy.Enabled,
		"required": h.policy.Required,
	})
}

type keyExchangeRequest struct {
	UserID             string `json:"user_id"`
	ClientECDHPubSPKI  string `json:"client_ecdh_pub_spki"`
	ClientSignPubSPKI  string `json:"client_sign_pub_spki"`
}

type keyExchangeResponse struct {
	KeyID                string `json:"key_id"`
	ServerECDHPubSPKI    string `json:"server_ecdh_pub_spki"`
	ServerSignPubSPKI    string `json:"server_sign_pub_spki"`
	HKDFSalt             string `json:"hkdf_salt"`
	GracePeriodSeconds   int64  `json:"grace_period_seconds"`
}

// KeyExchange implements key_exchange.
func (h *Handler) KeyExchange(w http.ResponseWriter, r *http.Request) {
	var req keyExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	clientECDHPub, err := base64.StdEncoding.DecodeString(req.ClientECDHPubSPKI)
	if err != nil {
		http.Error(w, "client_ecdh_pub_spki must be base64", http.StatusBadRequest)
		return
	}
	clientSignPub, err := base64.StdEncoding.DecodeString(req.ClientSignPubSPKI)
	if err != nil {
		http.Error(w, "client_sign_pub_spki must be base64", http.StatusBadRequest)
		return
	}

	resp, err := h.manager.Handshake(r.Context(), req.UserID, clientECDHPub, clientSignPub)
	if err != nil {
		h.logger.Printf("handshake failed for %s: %v", req.UserID, err)
		http.Error(w, "handshake failed", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, keyExchangeResponse{
		KeyID:              resp.KeyID,
		ServerECDHPubSPKI:  base64.StdEncoding.EncodeToString(resp.ServerECDHPubSPKI),
		ServerSignPubSPKI:  base64.StdEncoding.EncodeToString(resp.ServerSigningPubSPKI),
		HKDFSalt:           base64.StdEncoding.EncodeToString(resp.HKDFSalt),
		GracePeriodSeconds: resp.GracePeriodSeconds,
	})
}

type completeRotationRequest struct {
	UserID            string `json:"user_id"`
	ClientECDHPubSPKI string `json:"client_ecdh_pub_spki"`
	ClientSignPubSPKI string `json:"client_sign_pub_spki"`
}

// CompleteKeyRotation implements complete_key_rotation.
func (h *Handler) CompleteKeyRotation(w http.ResponseWriter, r *http.Request) {
	var req completeRotationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	clientECDHPub, err := base64.StdEncoding.DecodeString(req.ClientECDHPubSPKI)
	if err != nil {
		http.Error(w, "client_ecdh_pub_spki must be base64", http.StatusBadRequest)
		return
	}
	clientSignPub, err := base64.StdEncoding.DecodeString(req.ClientSignPubSPKI)
	if err != nil {
		http.Error(w, "client_sign_pub_spki must be base64", http.StatusBadRequest)
		return
	}

	ack := cryptosession.RotationAck{
		ClientECDHPubSPKI: clientECDHPub,
		ClientSignPubSPKI: clientSignPub,
	}
	if err := h.manager.CompleteRotation(r.Context(), req.UserID, ack); err != nil {
		h.logger.Printf("complete_key_rotation failed for %s: %v", req.UserID, err)
		http.Error(w, "rotation completion failed", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ForceRotate is the admin-triggered rotation surface spec.md §2
// alludes to but never places. It is gated by adminOnly.
func (h *Handler) ForceRotate(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	req, err := h.manager.InitiateRotation(r.Context(), userID, "admin")
	if err != nil {
		h.logger.Printf("admin rotate failed for %s: %v", userID, err)
		http.Error(w, "rotation failed", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type adminClaims struct {
	IsAdmin bool `json:"is_admin"`
	jwt.RegisteredClaims
}

// adminOnly gates a route behind a bearer JWT carrying is_admin=true.
func (h *Handler) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
			http.Error(w, "authorization header required", http.StatusUnauthorized)
			return
		}
		tokenString := authHeader[len(prefix):]

		claims, err := h.parseAdminClaims(tokenString)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if !claims.IsAdmin {
			http.Error(w, "admin claim required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseAdminClaims verifies tokenString against h.jwtKey, falling back
// to the JWT key manager's previous secret so a token issued just
// before a RotateJWTSecret call still validates during the transition
// period.
func (h *Handler) parseAdminClaims(tokenString string) (*adminClaims, error) {
	claims := &adminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return h.currentJWTKey(), nil
	})
	if err == nil && token.Valid {
		return claims, nil
	}

	if _, previous, hasPrevious := config.GetAllActiveSecrets(); hasPrevious {
		fallbackClaims := &adminClaims{}
		fallbackToken, fallbackErr := jwt.ParseWithClaims(tokenString, fallbackClaims, func(t *jwt.Token) (interface{}, error) {
			return []byte(previous), nil
		})
		if fallbackErr == nil && fallbackToken.Valid {
			return fallbackClaims, nil
		}
	}

	return nil, errors.New("adminapi: token invalid under current and previous JWT secrets")
}

type rotateJWTSecretRequest struct {
	NewSecret string `json:"new_secret"`
}

type rotateJWTSecretResponse struct {
	RotatedAt string `json:"rotated_at"`
	Interval  string `json:"interval"`
}

// RotateJWTSecret is the admin-triggered JWT secret rotation surface.
// The outgoing secret stays valid for admin and WebSocket bearer tokens
// until the next rotation, per parseAdminClaims's fallback above.
func (h *Handler) RotateJWTSecret(w http.ResponseWriter, r *http.Request) {
	var req rotateJWTSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := config.ValidateJWTSecret(req.NewSecret); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := config.RotateSecret(req.NewSecret); err != nil {
		h.logger.Printf("jwt secret rotation failed: %v", err)
		http.Error(w, "rotation failed", http.StatusBadRequest)
		return
	}
	h.setJWTKey([]byte(req.NewSecret))

	rotatedAt, interval := config.GetRotationInfo()
	writeJSON(w, http.StatusOK, rotateJWTSecretResponse{
		RotatedAt: rotatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Interval:  interval.String(),
	})
}

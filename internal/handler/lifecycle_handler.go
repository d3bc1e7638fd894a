// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"keynet-service/internal/domain"
	"keynet-service/internal/middleware"
	"keynet-service/internal/usecase"
	"keynet-service/pkg/httputil"
)

var entityIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// LifecycleHandler はHTTPハンドラを提供する。
type LifecycleHandler struct {
	service *usecase.LifecycleService
}

// NewLifecycleHandler は新しいLifecycleHandlerを生成する。
func NewLifecycleHandler(service *usecase.LifecycleService) *LifecycleHandler {
	return &LifecycleHandler{service: service}
}

func validateEntityID(entityID string) error {
	if entityID == "" {
		return domain.ErrInvalidEntityID
	}
	if len(entityID) > 64 {
		return domain.ErrInvalidEntityID
	}
	if !entityIDRegex.MatchString(entityID) {
		return domain.ErrInvalidEntityID
	}
	return nil
}

// MasterKeyResponse はマスター鍵のレスポンス形式。
// 秘密鍵は含まれない。失効証明書は生成時の一度だけ返される。
type MasterKeyResponse struct {
	KeyID          string `json:"key_id"`
	Fingerprint    string `json:"fingerprint"`
	PublicKey      string `json:"public_key"`
	RevocationCert string `json:"revocation_cert"`
	CreatedAt      string `json:"created_at"`
}

// SubKeyResponse はサブ鍵メタデータのレスポンス形式。
type SubKeyResponse struct {
	KeyID       string   `json:"key_id"`
	MasterKeyID string   `json:"master_key_id"`
	EntityClass string   `json:"entity_class"`
	EntityID    string   `json:"entity_id"`
	Fingerprint string   `json:"fingerprint"`
	Algorithm   string   `json:"algorithm"`
	Usages      []string `json:"usages"`
	Status      string   `json:"status"`
	CreatedAt   string   `json:"created_at"`
	ExpiresAt   string   `json:"expires_at"`
}

// ProvisionResponse はサブ鍵生成・書き込み結果のレスポンス形式。
// provisionedがfalseの場合、鍵は生成済みだがスロットへ未書き込みであり、
// import_errorに失敗理由のコードが入る。
type ProvisionResponse struct {
	Key         SubKeyResponse  `json:"key"`
	Previous    *SubKeyResponse `json:"previous,omitempty"`
	Provisioned bool            `json:"provisioned"`
	ImportError string          `json:"import_error,omitempty"`
}

// KeyListResponse はサブ鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []SubKeyResponse `json:"keys"`
}

// VerifyResponse は鍵検証のレスポンス形式。
type VerifyResponse struct {
	KeyID string `json:"key_id"`
	Valid bool   `json:"valid"`
}

// TokenHealthResponse はトークン稼働状態のレスポンス形式。
type TokenHealthResponse struct {
	Status     string `json:"status"`
	Serial     uint32 `json:"serial,omitempty"`
	Version    string `json:"version,omitempty"`
	PINRetries int    `json:"pin_retries,omitempty"`
}

func toSubKeyResponse(m *domain.SubKeyMetadata) SubKeyResponse {
	usages := make([]string, len(m.Usages))
	for i, u := range m.Usages {
		usages[i] = string(u)
	}
	return SubKeyResponse{
		KeyID:       m.ID,
		MasterKeyID: m.MasterKeyID,
		EntityClass: string(m.EntityClass),
		EntityID:    m.EntityID,
		Fingerprint: m.Fingerprint,
		Algorithm:   m.Algorithm,
		Usages:      usages,
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt.Format(time.RFC3339),
		ExpiresAt:   m.ExpiresAt.Format(time.RFC3339),
	}
}

func toProvisionResponse(result *domain.ProvisionResult) ProvisionResponse {
	resp := ProvisionResponse{
		Key:         toSubKeyResponse(result.SubKey),
		Provisioned: result.Provisioned,
	}
	if result.Previous != nil {
		prev := toSubKeyResponse(result.Previous)
		resp.Previous = &prev
	}
	if result.ImportError != nil {
		resp.ImportError = importErrorCode(result.ImportError)
	}
	return resp
}

func importErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrTokenUnavailable):
		return "TOKEN_UNAVAILABLE"
	case errors.Is(err, domain.ErrSlotIncompatible):
		return "SLOT_INCOMPATIBLE"
	default:
		return "IMPORT_FAILED"
	}
}

// CreateMasterKey は新しいマスター鍵を生成する。
func (h *LifecycleHandler) CreateMasterKey(w http.ResponseWriter, r *http.Request) {
	export, err := h.service.GenerateMaster(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrMasterKeyExists) {
			middleware.WriteAuditLog(r.Context(), "CREATE_MASTER_KEY", "", "", "", "FAILED")
			httputil.Error(w, http.StatusConflict, "MASTER_KEY_EXISTS", "an active master key already exists")
			return
		}
		middleware.WriteAuditLog(r.Context(), "CREATE_MASTER_KEY", "", "", "", "FAILED")
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(r.Context(), "CREATE_MASTER_KEY", "", "", export.ID, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, MasterKeyResponse{
		KeyID:          export.ID,
		Fingerprint:    export.Fingerprint,
		PublicKey:      export.PublicKeyPEM,
		RevocationCert: export.RevocationCertPEM,
		CreatedAt:      export.CreatedAt.Format(time.RFC3339),
	})
}

// CreateSubKeyRequest はサブ鍵生成リクエストの形式。
type CreateSubKeyRequest struct {
	MasterKeyID string `json:"master_key_id"`
}

// CreateSubKey はエンティティのサブ鍵を生成し、スロットへ書き込む。
func (h *LifecycleHandler) CreateSubKey(w http.ResponseWriter, r *http.Request) {
	class, entityID, ok := h.entityParams(w, r)
	if !ok {
		return
	}

	var req CreateSubKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	result, err := h.service.GenerateSubKey(r.Context(), req.MasterKeyID, class, entityID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "CREATE_SUBKEY", string(class), entityID, "", "FAILED")
		switch {
		case errors.Is(err, domain.ErrMasterKeyNotFound):
			httputil.Error(w, http.StatusNotFound, "MASTER_KEY_NOT_FOUND", "master key not found")
		case errors.Is(err, domain.ErrSubKeyExists):
			httputil.Error(w, http.StatusConflict, "SUBKEY_EXISTS", "an active key already exists for this entity")
		case errors.Is(err, domain.ErrInvalidEntityID):
			httputil.Error(w, http.StatusBadRequest, "INVALID_ENTITY_ID", "invalid entity ID format")
		case errors.Is(err, domain.ErrCryptoBackend):
			httputil.Error(w, http.StatusInternalServerError, "CRYPTO_BACKEND_ERROR", "key generation failed")
		default:
			httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		return
	}

	middleware.WriteAuditLog(r.Context(), "CREATE_SUBKEY", string(class), entityID, result.SubKey.ID, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, toProvisionResponse(result))
}

// RotateKey はエンティティの有効な鍵を新しい鍵で置き換える。
func (h *LifecycleHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	class, entityID, ok := h.entityParams(w, r)
	if !ok {
		return
	}

	result, err := h.service.Rotate(r.Context(), class, entityID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ROTATE_KEY", string(class), entityID, "", "FAILED")
		switch {
		case errors.Is(err, domain.ErrKeyNotFound):
			httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "no active key for this entity")
		case errors.Is(err, domain.ErrCryptoBackend):
			httputil.Error(w, http.StatusInternalServerError, "CRYPTO_BACKEND_ERROR", "key generation failed")
		default:
			httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		return
	}

	middleware.WriteAuditLog(r.Context(), "ROTATE_KEY", string(class), entityID, result.SubKey.ID, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, toProvisionResponse(result))
}

// ListKeys はエンティティの全サブ鍵のメタデータを取得する。
func (h *LifecycleHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	class, entityID, ok := h.entityParams(w, r)
	if !ok {
		return
	}

	keys, err := h.service.ListKeys(r.Context(), class, entityID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "LIST_KEYS", string(class), entityID, "", "FAILED")
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(r.Context(), "LIST_KEYS", string(class), entityID, "", "SUCCESS")
	response := KeyListResponse{
		Keys: make([]SubKeyResponse, len(keys)),
	}
	for i, k := range keys {
		response.Keys[i] = toSubKeyResponse(k)
	}
	httputil.JSON(w, http.StatusOK, response)
}

// RetryImport は未書き込みのサブ鍵をスロットへ再書き込みする。
func (h *LifecycleHandler) RetryImport(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")

	result, err := h.service.RetryImport(r.Context(), keyID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "RETRY_IMPORT", "", "", keyID, "FAILED")
		switch {
		case errors.Is(err, domain.ErrKeyNotFound):
			httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found")
		case errors.Is(err, domain.ErrKeyRevoked):
			httputil.Error(w, http.StatusGone, "KEY_REVOKED", "key has been revoked")
		default:
			httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		return
	}

	middleware.WriteAuditLog(r.Context(), "RETRY_IMPORT", string(result.SubKey.EntityClass), result.SubKey.EntityID, keyID, "SUCCESS")
	httputil.JSON(w, http.StatusOK, toProvisionResponse(result))
}

// VerifyKey は署名と検証でサブ鍵の健全性を確認する。
func (h *LifecycleHandler) VerifyKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")

	valid, err := h.service.Verify(r.Context(), keyID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "VERIFY_KEY", "", "", keyID, "FAILED")
		switch {
		case errors.Is(err, domain.ErrKeyNotFound):
			httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found")
		case errors.Is(err, domain.ErrKeyRevoked):
			httputil.Error(w, http.StatusGone, "KEY_REVOKED", "key has been revoked")
		case errors.Is(err, domain.ErrKeyExpired):
			httputil.Error(w, http.StatusGone, "KEY_EXPIRED", "key has expired")
		default:
			httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		return
	}

	middleware.WriteAuditLog(r.Context(), "VERIFY_KEY", "", "", keyID, "SUCCESS")
	httputil.JSON(w, http.StatusOK, VerifyResponse{
		KeyID: keyID,
		Valid: valid,
	})
}

// TokenHealth はトークンの稼働状態を取得する。
func (h *LifecycleHandler) TokenHealth(w http.ResponseWriter, r *http.Request) {
	health, info, err := h.service.TokenHealth(r.Context())
	if err != nil && health != domain.TokenHealthUnreachable {
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	resp := TokenHealthResponse{Status: string(health)}
	if info != nil {
		resp.Serial = info.Serial
		resp.Version = info.Version
		resp.PINRetries = info.PINRetries
	}

	status := http.StatusOK
	if health == domain.TokenHealthUnreachable {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, resp)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func (h *LifecycleHandler) entityParams(w http.ResponseWriter, r *http.Request) (domain.EntityClass, string, bool) {
	class, err := domain.ParseEntityClass(chi.URLParam(r, "class"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ENTITY_CLASS", "entity class must be device or router")
		return "", "", false
	}
	entityID := chi.URLParam(r, "entity_id")
	if err := validateEntityID(entityID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ENTITY_ID", "invalid entity ID format")
		return "", "", false
	}
	return class, entityID, true
}

package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"keynet-service/internal/domain"
	"keynet-service/internal/usecase"
)

// mockKeyRepository はテスト用のインメモリリポジトリ。
type mockKeyRepository struct {
	masterKeys map[string]*domain.MasterKey
	subKeys    map[string]*domain.SubKey
	nextID     int
}

func newMockKeyRepository() *mockKeyRepository {
	return &mockKeyRepository{
		masterKeys: make(map[string]*domain.MasterKey),
		subKeys:    make(map[string]*domain.SubKey),
	}
}

func (m *mockKeyRepository) CountMasterKeys(ctx context.Context) (int64, error) {
	return int64(len(m.masterKeys)), nil
}

func (m *mockKeyRepository) CreateMasterKey(ctx context.Context, key *domain.MasterKey) error {
	m.nextID++
	key.ID = fmt.Sprintf("master-%d", m.nextID)
	key.CreatedAt = time.Now()
	m.masterKeys[key.ID] = key
	return nil
}

func (m *mockKeyRepository) FindMasterKeyByID(ctx context.Context, id string) (*domain.MasterKey, error) {
	return m.masterKeys[id], nil
}

func (m *mockKeyRepository) CreateSubKey(ctx context.Context, key *domain.SubKey) error {
	m.nextID++
	key.ID = fmt.Sprintf("subkey-%d", m.nextID)
	key.CreatedAt = time.Now()
	m.subKeys[key.ID] = key
	return nil
}

func (m *mockKeyRepository) FindSubKeyByID(ctx context.Context, id string) (*domain.SubKey, error) {
	return m.subKeys[id], nil
}

func (m *mockKeyRepository) FindActiveByEntity(ctx context.Context, class domain.EntityClass, entityID string) (*domain.SubKey, error) {
	var latest *domain.SubKey
	for _, k := range m.subKeys {
		if k.EntityClass != class || k.EntityID != entityID || k.Status != domain.KeyStatusActive {
			continue
		}
		if latest == nil || k.CreatedAt.After(latest.CreatedAt) {
			latest = k
		}
	}
	return latest, nil
}

func (m *mockKeyRepository) ExistsActiveByEntity(ctx context.Context, class domain.EntityClass, entityID string) (bool, error) {
	key, _ := m.FindActiveByEntity(ctx, class, entityID)
	return key != nil, nil
}

func (m *mockKeyRepository) FindAllByEntity(ctx context.Context, class domain.EntityClass, entityID string) ([]*domain.SubKey, error) {
	var keys []*domain.SubKey
	for _, k := range m.subKeys {
		if k.EntityClass == class && k.EntityID == entityID {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *mockKeyRepository) UpdateSubKeyStatus(ctx context.Context, id string, status domain.KeyStatus) error {
	if k, ok := m.subKeys[id]; ok {
		k.Status = status
	}
	return nil
}

// mockKMSClient は平文を透過するモックKMSクライアント。
type mockKMSClient struct{}

func (m *mockKMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return append([]byte(nil), plaintext...), nil
}

func (m *mockKMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return append([]byte(nil), ciphertext...), nil
}

// mockProvisioner はテスト用のトークンプロビジョナ。
type mockProvisioner struct {
	importErr error
	health    domain.TokenHealth
	info      *domain.TokenInfo
	healthErr error
}

func (p *mockProvisioner) Import(ctx context.Context, req usecase.ImportRequest) error {
	return p.importErr
}

func (p *mockProvisioner) HealthCheck(ctx context.Context) (domain.TokenHealth, *domain.TokenInfo, error) {
	return p.health, p.info, p.healthErr
}

func setupHandler(repo *mockKeyRepository, prov *mockProvisioner) *LifecycleHandler {
	keyring := usecase.NewKeyringService(repo, &mockKMSClient{}, domain.DefaultPolicyTable(), false)
	service := usecase.NewLifecycleService(keyring, prov, domain.DefaultPolicyTable())
	return NewLifecycleHandler(service)
}

func insertMaster(repo *mockKeyRepository) string {
	repo.nextID++
	id := fmt.Sprintf("master-%d", repo.nextID)
	repo.masterKeys[id] = &domain.MasterKey{
		ID:          id,
		Fingerprint: "fp-" + id,
		Algorithm:   domain.AlgorithmRSA4096,
		Status:      domain.KeyStatusActive,
		CreatedAt:   time.Now(),
	}
	return id
}

func entityRequest(method, path, class, entityID, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("class", class)
	rctx.URLParams.Add("entity_id", entityID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func keyRequest(method, path, keyID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("key_id", keyID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateMasterKey_Conflict(t *testing.T) {
	repo := newMockKeyRepository()
	insertMaster(repo)
	h := setupHandler(repo, &mockProvisioner{})

	req := httptest.NewRequest(http.MethodPost, "/v1/master-keys", nil)
	rec := httptest.NewRecorder()
	h.CreateMasterKey(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("want status 409, got %d", rec.Code)
	}
}

func TestCreateSubKey_Success(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	h := setupHandler(repo, &mockProvisioner{})

	body := fmt.Sprintf(`{"master_key_id":%q}`, masterID)
	req := entityRequest(http.MethodPost, "/v1/entities/device/device-001/keys", "device", "device-001", body)
	rec := httptest.NewRecorder()
	h.CreateSubKey(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d", rec.Code)
	}

	var resp ProvisionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Provisioned {
		t.Error("want provisioned=true")
	}
	if resp.Key.EntityID != "device-001" {
		t.Errorf("want entity_id device-001, got %s", resp.Key.EntityID)
	}
	if resp.Key.Algorithm != domain.AlgorithmECP256 {
		t.Errorf("want algorithm ecdsa-p256, got %s", resp.Key.Algorithm)
	}
}

func TestCreateSubKey_PartialFailure(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	h := setupHandler(repo, &mockProvisioner{importErr: domain.ErrTokenUnavailable})

	body := fmt.Sprintf(`{"master_key_id":%q}`, masterID)
	req := entityRequest(http.MethodPost, "/v1/entities/router/router-001/keys", "router", "router-001", body)
	rec := httptest.NewRecorder()
	h.CreateSubKey(rec, req)

	// 部分失敗でも鍵は生成済みのため201を返す
	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d", rec.Code)
	}

	var resp ProvisionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Provisioned {
		t.Error("want provisioned=false")
	}
	if resp.ImportError != "TOKEN_UNAVAILABLE" {
		t.Errorf("want import_error TOKEN_UNAVAILABLE, got %s", resp.ImportError)
	}
}

func TestCreateSubKey_InvalidClass(t *testing.T) {
	repo := newMockKeyRepository()
	h := setupHandler(repo, &mockProvisioner{})

	req := entityRequest(http.MethodPost, "/v1/entities/printer/p-001/keys", "printer", "p-001", `{"master_key_id":"master-1"}`)
	rec := httptest.NewRecorder()
	h.CreateSubKey(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestCreateSubKey_InvalidEntityID(t *testing.T) {
	repo := newMockKeyRepository()
	h := setupHandler(repo, &mockProvisioner{})

	req := entityRequest(http.MethodPost, "/v1/entities/device/bad@id/keys", "device", "bad@id", `{"master_key_id":"master-1"}`)
	rec := httptest.NewRecorder()
	h.CreateSubKey(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestCreateSubKey_MasterNotFound(t *testing.T) {
	repo := newMockKeyRepository()
	h := setupHandler(repo, &mockProvisioner{})

	req := entityRequest(http.MethodPost, "/v1/entities/device/device-001/keys", "device", "device-001", `{"master_key_id":"no-such-master"}`)
	rec := httptest.NewRecorder()
	h.CreateSubKey(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
}

func TestCreateSubKey_Conflict(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	h := setupHandler(repo, &mockProvisioner{})

	body := fmt.Sprintf(`{"master_key_id":%q}`, masterID)
	req := entityRequest(http.MethodPost, "/v1/entities/device/device-001/keys", "device", "device-001", body)
	rec := httptest.NewRecorder()
	h.CreateSubKey(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d", rec.Code)
	}

	req = entityRequest(http.MethodPost, "/v1/entities/device/device-001/keys", "device", "device-001", body)
	rec = httptest.NewRecorder()
	h.CreateSubKey(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("want status 409, got %d", rec.Code)
	}
}

func TestRotateKey_Success(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	h := setupHandler(repo, &mockProvisioner{})

	body := fmt.Sprintf(`{"master_key_id":%q}`, masterID)
	req := entityRequest(http.MethodPost, "/v1/entities/device/device-001/keys", "device", "device-001", body)
	rec := httptest.NewRecorder()
	h.CreateSubKey(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d", rec.Code)
	}

	req = entityRequest(http.MethodPost, "/v1/entities/device/device-001/keys/rotate", "device", "device-001", "")
	rec = httptest.NewRecorder()
	h.RotateKey(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d", rec.Code)
	}

	var resp ProvisionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Previous == nil {
		t.Fatal("want previous key in response")
	}
	if resp.Previous.Status != string(domain.KeyStatusRevoked) {
		t.Errorf("want previous status revoked, got %s", resp.Previous.Status)
	}
}

func TestRotateKey_NoActiveKey(t *testing.T) {
	repo := newMockKeyRepository()
	h := setupHandler(repo, &mockProvisioner{})

	req := entityRequest(http.MethodPost, "/v1/entities/device/device-001/keys/rotate", "device", "device-001", "")
	rec := httptest.NewRecorder()
	h.RotateKey(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
}

func TestListKeys_Success(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	h := setupHandler(repo, &mockProvisioner{})

	body := fmt.Sprintf(`{"master_key_id":%q}`, masterID)
	req := entityRequest(http.MethodPost, "/v1/entities/device/device-001/keys", "device", "device-001", body)
	rec := httptest.NewRecorder()
	h.CreateSubKey(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d", rec.Code)
	}

	req = entityRequest(http.MethodGet, "/v1/entities/device/device-001/keys", "device", "device-001", "")
	rec = httptest.NewRecorder()
	h.ListKeys(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}

	var resp KeyListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Keys) != 1 {
		t.Errorf("want 1 key, got %d", len(resp.Keys))
	}
}

func TestRetryImport_RevokedKey(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	h := setupHandler(repo, &mockProvisioner{})

	body := fmt.Sprintf(`{"master_key_id":%q}`, masterID)
	req := entityRequest(http.MethodPost, "/v1/entities/device/device-001/keys", "device", "device-001", body)
	rec := httptest.NewRecorder()
	h.CreateSubKey(rec, req)

	var created ProvisionResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	repo.subKeys[created.Key.KeyID].Status = domain.KeyStatusRevoked

	req = keyRequest(http.MethodPost, "/v1/subkeys/"+created.Key.KeyID+"/import", created.Key.KeyID)
	rec = httptest.NewRecorder()
	h.RetryImport(rec, req)

	if rec.Code != http.StatusGone {
		t.Errorf("want status 410, got %d", rec.Code)
	}
}

func TestVerifyKey_Success(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	h := setupHandler(repo, &mockProvisioner{})

	body := fmt.Sprintf(`{"master_key_id":%q}`, masterID)
	req := entityRequest(http.MethodPost, "/v1/entities/device/device-001/keys", "device", "device-001", body)
	rec := httptest.NewRecorder()
	h.CreateSubKey(rec, req)

	var created ProvisionResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	req = keyRequest(http.MethodGet, "/v1/subkeys/"+created.Key.KeyID+"/verify", created.Key.KeyID)
	rec = httptest.NewRecorder()
	h.VerifyKey(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}

	var resp VerifyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Valid {
		t.Error("want valid=true")
	}
}

func TestVerifyKey_NotFound(t *testing.T) {
	repo := newMockKeyRepository()
	h := setupHandler(repo, &mockProvisioner{})

	req := keyRequest(http.MethodGet, "/v1/subkeys/no-such-key/verify", "no-such-key")
	rec := httptest.NewRecorder()
	h.VerifyKey(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
}

func TestTokenHealth_Healthy(t *testing.T) {
	prov := &mockProvisioner{
		health: domain.TokenHealthHealthy,
		info:   &domain.TokenInfo{Serial: 12345678, Version: "5.4.3", PINRetries: 3},
	}
	h := setupHandler(newMockKeyRepository(), prov)

	req := httptest.NewRequest(http.MethodGet, "/v1/token/health", nil)
	rec := httptest.NewRecorder()
	h.TokenHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}

	var resp TokenHealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != string(domain.TokenHealthHealthy) {
		t.Errorf("want status healthy, got %s", resp.Status)
	}
	if resp.Serial != 12345678 {
		t.Errorf("want serial 12345678, got %d", resp.Serial)
	}
}

func TestTokenHealth_Unreachable(t *testing.T) {
	prov := &mockProvisioner{
		health:    domain.TokenHealthUnreachable,
		healthErr: domain.ErrTokenUnavailable,
	}
	h := setupHandler(newMockKeyRepository(), prov)

	req := httptest.NewRequest(http.MethodGet, "/v1/token/health", nil)
	rec := httptest.NewRecorder()
	h.TokenHealth(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want status 503, got %d", rec.Code)
	}

	var resp TokenHealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != string(domain.TokenHealthUnreachable) {
		t.Errorf("want status unreachable, got %s", resp.Status)
	}
}

package usecase

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"keynet-service/internal/domain"
)

// mockKeyRepository はテスト用のインメモリリポジトリ。
type mockKeyRepository struct {
	masterKeys map[string]*domain.MasterKey
	subKeys    map[string]*domain.SubKey

	countErr        error
	createErr       error
	updateStatusErr error

	nextID int
}

func newMockKeyRepository() *mockKeyRepository {
	return &mockKeyRepository{
		masterKeys: make(map[string]*domain.MasterKey),
		subKeys:    make(map[string]*domain.SubKey),
	}
}

func (m *mockKeyRepository) CountMasterKeys(ctx context.Context) (int64, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	var count int64
	for _, k := range m.masterKeys {
		if k.Status == domain.KeyStatusActive {
			count++
		}
	}
	return count, nil
}

func (m *mockKeyRepository) CreateMasterKey(ctx context.Context, key *domain.MasterKey) error {
	if m.createErr != nil {
		return m.createErr
	}
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
	if m.createErr != nil {
		return m.createErr
	}
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
	if m.updateStatusErr != nil {
		return m.updateStatusErr
	}
	if k, ok := m.subKeys[id]; ok {
		k.Status = status
	}
	return nil
}

// mockKMSClient はテスト用のモックKMSクライアント。
// 既定では平文をそのまま透過する。
type mockKMSClient struct {
	encryptErr error
	decryptErr error
}

func (m *mockKMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if m.encryptErr != nil {
		return nil, m.encryptErr
	}
	return append([]byte(nil), plaintext...), nil
}

func (m *mockKMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if m.decryptErr != nil {
		return nil, m.decryptErr
	}
	return append([]byte(nil), ciphertext...), nil
}

func newTestKeyring(repo *mockKeyRepository) *KeyringService {
	return NewKeyringService(repo, &mockKMSClient{}, domain.DefaultPolicyTable(), false)
}

// insertMaster はRSA生成を省略してマスター鍵レコードだけを用意する。
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

func TestKeyringService_GenerateMasterKey_Success(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping RSA-4096 generation in short mode")
	}

	repo := newMockKeyRepository()
	svc := newTestKeyring(repo)

	export, err := svc.GenerateMasterKey(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(export.Fingerprint) != 64 {
		t.Errorf("want 64 hex chars fingerprint, got %d", len(export.Fingerprint))
	}
	if !strings.Contains(export.PublicKeyPEM, "BEGIN PUBLIC KEY") {
		t.Error("public key PEM missing")
	}
	if !strings.Contains(export.RevocationCertPEM, "BEGIN REVOCATION CERTIFICATE") {
		t.Error("revocation certificate PEM missing")
	}
	if len(repo.masterKeys) != 1 {
		t.Errorf("want 1 stored master key, got %d", len(repo.masterKeys))
	}

	// 秘密鍵は暗号化済みの形でのみストアに渡る
	stored := repo.masterKeys[export.ID]
	if stored == nil {
		t.Fatal("stored master key not found")
	}
	if len(stored.EncryptedPrivateKey) == 0 {
		t.Error("want encrypted private key material, got empty")
	}
}

func TestKeyringService_GenerateMasterKey_ExportFailureLeavesNoRecord(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping RSA-4096 generation in short mode")
	}

	repo := newMockKeyRepository()
	svc := newTestKeyring(repo)

	orig := buildRevocationCertificate
	buildRevocationCertificate = func(privKey *rsa.PrivateKey, fingerprint string) ([]byte, error) {
		return nil, errors.New("signing failure")
	}
	_, err := svc.GenerateMasterKey(context.Background())
	buildRevocationCertificate = orig

	if !errors.Is(err, domain.ErrCryptoBackend) {
		t.Fatalf("want ErrCryptoBackend, got %v", err)
	}
	// 失効証明書を返せない生成はレコードを残さない
	if len(repo.masterKeys) != 0 {
		t.Fatalf("want no master key persisted, got %d", len(repo.masterKeys))
	}

	// リトライは成功し、公開鍵と失効証明書の両方を取得できる
	export, err := svc.GenerateMasterKey(context.Background())
	if err != nil {
		t.Fatalf("retry: unexpected error: %v", err)
	}
	if !strings.Contains(export.PublicKeyPEM, "PUBLIC KEY") {
		t.Error("want public key PEM in export")
	}
	if !strings.Contains(export.RevocationCertPEM, "REVOCATION CERTIFICATE") {
		t.Error("want revocation certificate PEM in export")
	}
}

func TestKeyringService_GenerateMasterKey_AlreadyExists(t *testing.T) {
	repo := newMockKeyRepository()
	insertMaster(repo)
	svc := newTestKeyring(repo)

	_, err := svc.GenerateMasterKey(context.Background())
	if !errors.Is(err, domain.ErrMasterKeyExists) {
		t.Errorf("want ErrMasterKeyExists, got %v", err)
	}
}

func TestKeyringService_GenerateSubKey_Device(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	svc := newTestKeyring(repo)

	meta, err := svc.GenerateSubKey(context.Background(), masterID, domain.EntityClassDevice, "device-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if meta.Algorithm != domain.AlgorithmECP256 {
		t.Errorf("want algorithm ecdsa-p256, got %s", meta.Algorithm)
	}
	if meta.Status != domain.KeyStatusActive {
		t.Errorf("want status active, got %s", meta.Status)
	}
	if !meta.HasUsage(domain.KeyUsageSign) || !meta.HasUsage(domain.KeyUsageAuthenticate) {
		t.Errorf("want sign+authenticate usages, got %v", meta.Usages)
	}
	if meta.HasUsage(domain.KeyUsageEncrypt) {
		t.Errorf("device key must not have encrypt usage, got %v", meta.Usages)
	}

	wantExpiry := time.Now().Add(domain.DefaultDeviceKeyTTL)
	if meta.ExpiresAt.Before(wantExpiry.Add(-time.Minute)) || meta.ExpiresAt.After(wantExpiry.Add(time.Minute)) {
		t.Errorf("want expiry about 1 year out, got %v", meta.ExpiresAt)
	}
}

func TestKeyringService_GenerateSubKey_Router(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	svc := newTestKeyring(repo)

	meta, err := svc.GenerateSubKey(context.Background(), masterID, domain.EntityClassRouter, "router-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if meta.Algorithm != domain.AlgorithmECP384 {
		t.Errorf("want algorithm ecdsa-p384, got %s", meta.Algorithm)
	}
	if !meta.HasUsage(domain.KeyUsageEncrypt) {
		t.Errorf("want encrypt usage, got %v", meta.Usages)
	}

	wantExpiry := time.Now().Add(domain.DefaultRouterKeyTTL)
	if meta.ExpiresAt.Before(wantExpiry.Add(-time.Minute)) || meta.ExpiresAt.After(wantExpiry.Add(time.Minute)) {
		t.Errorf("want expiry about 6 months out, got %v", meta.ExpiresAt)
	}
}

func TestKeyringService_GenerateSubKey_MasterNotFound(t *testing.T) {
	repo := newMockKeyRepository()
	svc := newTestKeyring(repo)

	_, err := svc.GenerateSubKey(context.Background(), "no-such-master", domain.EntityClassDevice, "device-001")
	if !errors.Is(err, domain.ErrMasterKeyNotFound) {
		t.Errorf("want ErrMasterKeyNotFound, got %v", err)
	}
}

func TestKeyringService_GenerateSubKey_AlreadyExists(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	svc := newTestKeyring(repo)

	if _, err := svc.GenerateSubKey(context.Background(), masterID, domain.EntityClassDevice, "device-001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := svc.GenerateSubKey(context.Background(), masterID, domain.EntityClassDevice, "device-001")
	if !errors.Is(err, domain.ErrSubKeyExists) {
		t.Errorf("want ErrSubKeyExists, got %v", err)
	}

	// 別クラスであれば同じIDでも生成できる
	if _, err := svc.GenerateSubKey(context.Background(), masterID, domain.EntityClassRouter, "device-001"); err != nil {
		t.Errorf("unexpected error for different class: %v", err)
	}
}

func TestKeyringService_GenerateSubKey_EmptyEntityID(t *testing.T) {
	repo := newMockKeyRepository()
	svc := newTestKeyring(repo)

	_, err := svc.GenerateSubKey(context.Background(), "master-1", domain.EntityClassDevice, "")
	if !errors.Is(err, domain.ErrInvalidEntityID) {
		t.Errorf("want ErrInvalidEntityID, got %v", err)
	}
}

func TestKeyringService_GenerateReplacement(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	svc := newTestKeyring(repo)

	old, err := svc.GenerateSubKey(context.Background(), masterID, domain.EntityClassDevice, "device-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 旧鍵が有効なままでも後継鍵を生成できる
	replacement, err := svc.GenerateReplacement(context.Background(), old.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if replacement.EntityID != old.EntityID || replacement.EntityClass != old.EntityClass {
		t.Errorf("replacement bound to wrong entity: %s/%s", replacement.EntityClass, replacement.EntityID)
	}
	if replacement.ID == old.ID {
		t.Error("replacement must have a new ID")
	}
	if replacement.Fingerprint == old.Fingerprint {
		t.Error("replacement must have fresh key material")
	}
}

func TestKeyringService_GenerateReplacement_RevokedKey(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	svc := newTestKeyring(repo)

	old, err := svc.GenerateSubKey(context.Background(), masterID, domain.EntityClassDevice, "device-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Revoke(context.Background(), old.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = svc.GenerateReplacement(context.Background(), old.ID)
	if !errors.Is(err, domain.ErrKeyRevoked) {
		t.Errorf("want ErrKeyRevoked, got %v", err)
	}
}

func TestKeyringService_ExportSecret(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	svc := newTestKeyring(repo)

	meta, err := svc.GenerateSubKey(context.Background(), masterID, domain.EntityClassDevice, "device-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	material, err := svc.ExportSecret(context.Background(), meta.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// PKCS#8 DERとしてパースできることを確認
	parsed, err := x509.ParsePKCS8PrivateKey(material)
	if err != nil {
		t.Fatalf("exported material is not PKCS#8: %v", err)
	}
	ecKey, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		t.Fatalf("want ECDSA key, got %T", parsed)
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("want P-256 curve, got %s", ecKey.Curve.Params().Name)
	}

	// 再エクスポートも同じ素材を返す（冪等）
	again, err := svc.ExportSecret(context.Background(), meta.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(material) != string(again) {
		t.Error("repeated export must return the same material")
	}
}

func TestKeyringService_ExportSecret_RevokedKey(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	svc := newTestKeyring(repo)

	meta, err := svc.GenerateSubKey(context.Background(), masterID, domain.EntityClassDevice, "device-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Revoke(context.Background(), meta.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = svc.ExportSecret(context.Background(), meta.ID)
	if !errors.Is(err, domain.ErrKeyRevoked) {
		t.Errorf("want ErrKeyRevoked, got %v", err)
	}
}

func TestKeyringService_Revoke_Idempotent(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	svc := newTestKeyring(repo)

	meta, err := svc.GenerateSubKey(context.Background(), masterID, domain.EntityClassDevice, "device-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.Revoke(context.Background(), meta.ID); err != nil {
		t.Fatalf("first revoke failed: %v", err)
	}
	// 2回目も成功する
	if err := svc.Revoke(context.Background(), meta.ID); err != nil {
		t.Fatalf("second revoke failed: %v", err)
	}

	if repo.subKeys[meta.ID].Status != domain.KeyStatusRevoked {
		t.Errorf("want status revoked, got %s", repo.subKeys[meta.ID].Status)
	}
}

func TestKeyringService_Revoke_NotFound(t *testing.T) {
	repo := newMockKeyRepository()
	svc := newTestKeyring(repo)

	err := svc.Revoke(context.Background(), "no-such-key")
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound, got %v", err)
	}
}

func TestKeyringService_SignAndVerify(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	svc := newTestKeyring(repo)

	meta, err := svc.GenerateSubKey(context.Background(), masterID, domain.EntityClassDevice, "device-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	message := []byte("payload to sign")
	sig, err := svc.Sign(context.Background(), meta.ID, message)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	valid, err := svc.Verify(context.Background(), meta.ID, message, sig)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !valid {
		t.Error("want valid signature")
	}

	// 改ざんされたメッセージは検証に失敗する
	valid, err = svc.Verify(context.Background(), meta.ID, []byte("tampered"), sig)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if valid {
		t.Error("want invalid signature for tampered message")
	}
}

func TestKeyringService_Sign_RevokedKey(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	svc := newTestKeyring(repo)

	meta, err := svc.GenerateSubKey(context.Background(), masterID, domain.EntityClassDevice, "device-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Revoke(context.Background(), meta.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = svc.Sign(context.Background(), meta.ID, []byte("payload"))
	if !errors.Is(err, domain.ErrKeyRevoked) {
		t.Errorf("want ErrKeyRevoked, got %v", err)
	}
}

func TestKeyringService_Sign_ExpiredKey(t *testing.T) {
	repo := newMockKeyRepository()
	masterID := insertMaster(repo)
	svc := newTestKeyring(repo)

	meta, err := svc.GenerateSubKey(context.Background(), masterID, domain.EntityClassDevice, "device-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	repo.subKeys[meta.ID].ExpiresAt = time.Now().Add(-time.Hour)

	_, err = svc.Sign(context.Background(), meta.ID, []byte("payload"))
	if !errors.Is(err, domain.ErrKeyExpired) {
		t.Errorf("want ErrKeyExpired, got %v", err)
	}
}

func TestKeyringService_FindActive_NotFound(t *testing.T) {
	repo := newMockKeyRepository()
	svc := newTestKeyring(repo)

	_, err := svc.FindActive(context.Background(), domain.EntityClassDevice, "device-001")
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound, got %v", err)
	}
}

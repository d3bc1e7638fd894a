// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"keynet-service/internal/domain"
)

const masterKeyBits = 4096 // マスター鍵はRSA 4096ビット固定

// 鍵検証に使用する固定プローブメッセージ。
var probeMessage = []byte("Test message for key verification")

// KeyRepository はキーリングの永続化インターフェース。
type KeyRepository interface {
	CountMasterKeys(ctx context.Context) (int64, error)
	CreateMasterKey(ctx context.Context, key *domain.MasterKey) error
	FindMasterKeyByID(ctx context.Context, id string) (*domain.MasterKey, error)
	CreateSubKey(ctx context.Context, key *domain.SubKey) error
	FindSubKeyByID(ctx context.Context, id string) (*domain.SubKey, error)
	FindActiveByEntity(ctx context.Context, class domain.EntityClass, entityID string) (*domain.SubKey, error)
	ExistsActiveByEntity(ctx context.Context, class domain.EntityClass, entityID string) (bool, error)
	FindAllByEntity(ctx context.Context, class domain.EntityClass, entityID string) ([]*domain.SubKey, error)
	UpdateSubKeyStatus(ctx context.Context, id string, status domain.KeyStatus) error
}

// KMSClient は鍵素材の保存前暗号化/復号のインターフェース。
type KMSClient interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// KeyringService は鍵素材の生成・エクスポート・署名・失効を提供する。
// 秘密鍵素材はKMSで暗号化された形でのみストアに渡る。
type KeyringService struct {
	repo                 KeyRepository
	kmsClient            KMSClient
	policies             domain.PolicyTable
	allowMultipleMasters bool
}

// NewKeyringService は新しいKeyringServiceを生成する。
func NewKeyringService(repo KeyRepository, kmsClient KMSClient, policies domain.PolicyTable, allowMultipleMasters bool) *KeyringService {
	return &KeyringService{
		repo:                 repo,
		kmsClient:            kmsClient,
		policies:             policies,
		allowMultipleMasters: allowMultipleMasters,
	}
}

// fingerprintPublicKey は公開鍵のSHA-256フィンガープリントを計算する。
func fingerprintPublicKey(pub crypto.PublicKey) (string, []byte, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", nil, fmt.Errorf("marshaling public key: %w", err)
	}
	sum := sha256.Sum256(pubDER)
	return hex.EncodeToString(sum[:]), pubDER, nil
}

// GenerateMasterKey は新しいマスター鍵を生成し、公開鍵と失効証明書を返す。
// 返却された公開鍵・失効証明書はサービス側では保持されない。
func (s *KeyringService) GenerateMasterKey(ctx context.Context) (*domain.MasterKeyExport, error) {
	if !s.allowMultipleMasters {
		count, err := s.repo.CountMasterKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("counting master keys: %w", err)
		}
		if count > 0 {
			return nil, domain.ErrMasterKeyExists
		}
	}

	privKey, err := rsa.GenerateKey(rand.Reader, masterKeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generating master key: %v", domain.ErrCryptoBackend, err)
	}

	fingerprint, pubDER, err := fingerprintPublicKey(&privKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCryptoBackend, err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling master key: %v", domain.ErrCryptoBackend, err)
	}

	encrypted, err := s.kmsClient.Encrypt(ctx, privDER)
	if err != nil {
		return nil, fmt.Errorf("encrypting master key: %w", err)
	}

	// 公開鍵と失効証明書は永続化より先に組み立てる。途中で失敗しても
	// レコードが残らず、呼び出し側は安全にリトライできる。
	publicPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})

	revocationPEM, err := buildRevocationCertificate(privKey, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("%w: building revocation certificate: %v", domain.ErrCryptoBackend, err)
	}

	key := &domain.MasterKey{
		Fingerprint:         fingerprint,
		Algorithm:           domain.AlgorithmRSA4096,
		EncryptedPrivateKey: encrypted,
		Status:              domain.KeyStatusActive,
	}
	if err := s.repo.CreateMasterKey(ctx, key); err != nil {
		return nil, fmt.Errorf("creating master key: %w", err)
	}

	return &domain.MasterKeyExport{
		ID:                key.ID,
		Fingerprint:       fingerprint,
		PublicKeyPEM:      string(publicPEM),
		RevocationCertPEM: string(revocationPEM),
		CreatedAt:         key.CreatedAt,
	}, nil
}

// buildRevocationCertificate はマスター鍵の緊急失効証明書を生成する。
// フィンガープリントに対する失効声明への署名をPEMで返す。
// テストから失敗を注入できるよう変数として定義する。
var buildRevocationCertificate = func(privKey *rsa.PrivateKey, fingerprint string) ([]byte, error) {
	statement := []byte("revocation-certificate:" + fingerprint)
	digest := sha256.Sum256(statement)
	sig, err := rsa.SignPKCS1v15(rand.Reader, privKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type: "REVOCATION CERTIFICATE",
		Headers: map[string]string{
			"Fingerprint": fingerprint,
		},
		Bytes: sig,
	}), nil
}

// GenerateSubKey は指定されたエンティティに対して新しいサブ鍵を生成する。
// 同一エンティティに有効な鍵が既に存在する場合はErrSubKeyExistsを返す。
func (s *KeyringService) GenerateSubKey(ctx context.Context, masterKeyID string, class domain.EntityClass, entityID string) (*domain.SubKeyMetadata, error) {
	if entityID == "" {
		return nil, domain.ErrInvalidEntityID
	}

	master, err := s.repo.FindMasterKeyByID(ctx, masterKeyID)
	if err != nil {
		return nil, fmt.Errorf("finding master key: %w", err)
	}
	if master == nil {
		return nil, domain.ErrMasterKeyNotFound
	}

	exists, err := s.repo.ExistsActiveByEntity(ctx, class, entityID)
	if err != nil {
		return nil, fmt.Errorf("checking existing subkey: %w", err)
	}
	if exists {
		return nil, domain.ErrSubKeyExists
	}

	return s.mintSubKey(ctx, master.ID, class, entityID)
}

// GenerateReplacement はローテーション用に後継サブ鍵を生成する。
// 旧鍵が有効なまま新鍵を記録するため、一意性チェックは適用されない。
// 旧鍵の失効は呼び出し側（ライフサイクル層）の責務。
func (s *KeyringService) GenerateReplacement(ctx context.Context, keyID string) (*domain.SubKeyMetadata, error) {
	old, err := s.repo.FindSubKeyByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding subkey: %w", err)
	}
	if old == nil {
		return nil, domain.ErrKeyNotFound
	}
	if old.Status != domain.KeyStatusActive {
		return nil, domain.ErrKeyRevoked
	}

	return s.mintSubKey(ctx, old.MasterKeyID, old.EntityClass, old.EntityID)
}

// mintSubKey はクラスポリシーに従って鍵素材を生成し保存する。
func (s *KeyringService) mintSubKey(ctx context.Context, masterKeyID string, class domain.EntityClass, entityID string) (*domain.SubKeyMetadata, error) {
	policy, err := s.policies.For(class)
	if err != nil {
		return nil, err
	}

	var curve elliptic.Curve
	switch policy.Algorithm {
	case domain.AlgorithmECP256:
		curve = elliptic.P256()
	case domain.AlgorithmECP384:
		curve = elliptic.P384()
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %s", domain.ErrCryptoBackend, policy.Algorithm)
	}

	privKey, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generating subkey: %v", domain.ErrCryptoBackend, err)
	}

	fingerprint, _, err := fingerprintPublicKey(&privKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCryptoBackend, err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling subkey: %v", domain.ErrCryptoBackend, err)
	}

	encrypted, err := s.kmsClient.Encrypt(ctx, privDER)
	if err != nil {
		return nil, fmt.Errorf("encrypting subkey: %w", err)
	}

	now := time.Now()
	key := &domain.SubKey{
		MasterKeyID:         masterKeyID,
		EntityClass:         class,
		EntityID:            entityID,
		Fingerprint:         fingerprint,
		Algorithm:           policy.Algorithm,
		Usages:              policy.Usages,
		EncryptedPrivateKey: encrypted,
		Status:              domain.KeyStatusActive,
		ExpiresAt:           now.Add(policy.TTL),
	}
	if err := s.repo.CreateSubKey(ctx, key); err != nil {
		return nil, fmt.Errorf("creating subkey: %w", err)
	}

	return key.Metadata(), nil
}

// ExportSecret はサブ鍵の秘密鍵素材（PKCS#8 DER）を復号して返す。
// 鍵が有効である限り何度でも呼び出せる（冪等）。
func (s *KeyringService) ExportSecret(ctx context.Context, keyID string) ([]byte, error) {
	key, err := s.repo.FindSubKeyByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding subkey: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	if key.Status != domain.KeyStatusActive {
		return nil, domain.ErrKeyRevoked
	}

	material, err := s.kmsClient.Decrypt(ctx, key.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting subkey: %w", err)
	}
	return material, nil
}

// Revoke はサブ鍵を失効させる。既に失効済みの場合は何もせず成功する。
func (s *KeyringService) Revoke(ctx context.Context, keyID string) error {
	key, err := s.repo.FindSubKeyByID(ctx, keyID)
	if err != nil {
		return fmt.Errorf("finding subkey: %w", err)
	}
	if key == nil {
		return domain.ErrKeyNotFound
	}
	if key.Status == domain.KeyStatusRevoked {
		return nil
	}

	if err := s.repo.UpdateSubKeyStatus(ctx, keyID, domain.KeyStatusRevoked); err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	return nil
}

// Sign は指定されたサブ鍵でメッセージに署名する。
// 失効済み・期限切れの鍵では失敗する。
func (s *KeyringService) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	key, err := s.repo.FindSubKeyByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding subkey: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	if key.Status != domain.KeyStatusActive {
		return nil, domain.ErrKeyRevoked
	}
	if time.Now().After(key.ExpiresAt) {
		return nil, domain.ErrKeyExpired
	}

	privKey, err := s.decryptPrivateKey(ctx, key)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, privKey, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: signing: %v", domain.ErrCryptoBackend, err)
	}
	return sig, nil
}

// Verify は指定されたサブ鍵の公開鍵で署名を検証する。
// 検証自体は鍵のステータスに依存しない。
func (s *KeyringService) Verify(ctx context.Context, keyID string, message, sig []byte) (bool, error) {
	key, err := s.repo.FindSubKeyByID(ctx, keyID)
	if err != nil {
		return false, fmt.Errorf("finding subkey: %w", err)
	}
	if key == nil {
		return false, domain.ErrKeyNotFound
	}

	privKey, err := s.decryptPrivateKey(ctx, key)
	if err != nil {
		return false, err
	}

	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(&privKey.PublicKey, digest[:], sig), nil
}

// decryptPrivateKey はサブ鍵の秘密鍵素材を復号してパースする。
func (s *KeyringService) decryptPrivateKey(ctx context.Context, key *domain.SubKey) (*ecdsa.PrivateKey, error) {
	material, err := s.kmsClient.Decrypt(ctx, key.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting subkey: %w", err)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(material)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing subkey: %v", domain.ErrCryptoBackend, err)
	}
	ecKey, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected key type %T", domain.ErrCryptoBackend, parsed)
	}
	return ecKey, nil
}

// FindActive は指定されたエンティティの有効なサブ鍵のメタデータを取得する。
func (s *KeyringService) FindActive(ctx context.Context, class domain.EntityClass, entityID string) (*domain.SubKeyMetadata, error) {
	key, err := s.repo.FindActiveByEntity(ctx, class, entityID)
	if err != nil {
		return nil, fmt.Errorf("finding active subkey: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	return key.Metadata(), nil
}

// GetSubKey は指定されたIDのサブ鍵のメタデータを取得する。
func (s *KeyringService) GetSubKey(ctx context.Context, keyID string) (*domain.SubKeyMetadata, error) {
	key, err := s.repo.FindSubKeyByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding subkey: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	return key.Metadata(), nil
}

// ListByEntity は指定されたエンティティの全サブ鍵のメタデータを取得する。
func (s *KeyringService) ListByEntity(ctx context.Context, class domain.EntityClass, entityID string) ([]*domain.SubKeyMetadata, error) {
	keys, err := s.repo.FindAllByEntity(ctx, class, entityID)
	if err != nil {
		return nil, fmt.Errorf("finding subkeys: %w", err)
	}

	metadata := make([]*domain.SubKeyMetadata, len(keys))
	for i, k := range keys {
		metadata[i] = k.Metadata()
	}
	return metadata, nil
}

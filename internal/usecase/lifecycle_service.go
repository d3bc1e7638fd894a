package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"keynet-service/internal/domain"
)

// Keyring はライフサイクル制御が利用する鍵素材操作のインターフェース。
type Keyring interface {
	GenerateMasterKey(ctx context.Context) (*domain.MasterKeyExport, error)
	GenerateSubKey(ctx context.Context, masterKeyID string, class domain.EntityClass, entityID string) (*domain.SubKeyMetadata, error)
	GenerateReplacement(ctx context.Context, keyID string) (*domain.SubKeyMetadata, error)
	ExportSecret(ctx context.Context, keyID string) ([]byte, error)
	Revoke(ctx context.Context, keyID string) error
	Sign(ctx context.Context, keyID string, message []byte) ([]byte, error)
	Verify(ctx context.Context, keyID string, message, sig []byte) (bool, error)
	FindActive(ctx context.Context, class domain.EntityClass, entityID string) (*domain.SubKeyMetadata, error)
	GetSubKey(ctx context.Context, keyID string) (*domain.SubKeyMetadata, error)
	ListByEntity(ctx context.Context, class domain.EntityClass, entityID string) ([]*domain.SubKeyMetadata, error)
}

// TokenProvisioner はライフサイクル制御が利用するトークン操作のインターフェース。
type TokenProvisioner interface {
	Import(ctx context.Context, req ImportRequest) error
	HealthCheck(ctx context.Context) (domain.TokenHealth, *domain.TokenInfo, error)
}

// LifecycleService は鍵の生成・ローテーション・検証を統括する。
// 自身は永続状態を持たず、キーリングとトークンの調停のみを行う。
// 同一エンティティへの操作はエンティティ単位のロックで直列化される。
type LifecycleService struct {
	keyring  Keyring
	token    TokenProvisioner
	policies domain.PolicyTable

	mu          sync.Mutex
	entityLocks map[string]*sync.Mutex
}

// NewLifecycleService は新しいLifecycleServiceを生成する。
func NewLifecycleService(keyring Keyring, token TokenProvisioner, policies domain.PolicyTable) *LifecycleService {
	return &LifecycleService{
		keyring:     keyring,
		token:       token,
		policies:    policies,
		entityLocks: make(map[string]*sync.Mutex),
	}
}

// lockEntity はエンティティ単位のロックを取得する。
// 異なるエンティティへの操作は並行して進行できる。
// ロックは解放後もマップに残り、エンティティ総数に比例して増加する。
// 対象は有限の機器群であり、回収は行わない。
func (s *LifecycleService) lockEntity(class domain.EntityClass, entityID string) func() {
	key := string(class) + "/" + entityID
	s.mu.Lock()
	lock, ok := s.entityLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.entityLocks[key] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// GenerateMaster は新しいマスター鍵を生成する。ハードウェア操作は伴わない。
func (s *LifecycleService) GenerateMaster(ctx context.Context) (*domain.MasterKeyExport, error) {
	return s.keyring.GenerateMasterKey(ctx)
}

// GenerateSubKey はサブ鍵を生成し、クラスに対応するスロットへ書き込む。
// ハードウェア書き込みに失敗した場合、鍵は有効なまま未書き込みとなり、
// 部分失敗として報告される。一時的なハードウェア障害で生成済みの鍵を
// 破棄しないため、ロールバックは行わない。RetryImportで回復する。
func (s *LifecycleService) GenerateSubKey(ctx context.Context, masterKeyID string, class domain.EntityClass, entityID string) (*domain.ProvisionResult, error) {
	unlock := s.lockEntity(class, entityID)
	defer unlock()

	meta, err := s.keyring.GenerateSubKey(ctx, masterKeyID, class, entityID)
	if err != nil {
		return nil, err
	}

	if err := s.provision(ctx, meta); err != nil {
		slog.WarnContext(ctx, "subkey minted but not provisioned",
			"key_id", meta.ID,
			"entity_class", meta.EntityClass,
			"entity_id", meta.EntityID,
			"error", err,
		)
		return &domain.ProvisionResult{SubKey: meta, Provisioned: false, ImportError: err}, nil
	}

	return &domain.ProvisionResult{SubKey: meta, Provisioned: true}, nil
}

// RetryImport は生成済みのサブ鍵をスロットへ再書き込みする。
// 部分失敗からの回復経路。Importは上書き冪等のため何度でも安全に呼べる。
func (s *LifecycleService) RetryImport(ctx context.Context, keyID string) (*domain.ProvisionResult, error) {
	meta, err := s.keyring.GetSubKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if meta.Status != domain.KeyStatusActive {
		return nil, domain.ErrKeyRevoked
	}

	unlock := s.lockEntity(meta.EntityClass, meta.EntityID)
	defer unlock()

	if err := s.provision(ctx, meta); err != nil {
		return &domain.ProvisionResult{SubKey: meta, Provisioned: false, ImportError: err}, nil
	}
	return &domain.ProvisionResult{SubKey: meta, Provisioned: true}, nil
}

// Rotate はエンティティの有効な鍵を新しい鍵で置き換える。
// 手順: 後継鍵の生成 → 旧鍵の失効 → スロットの上書き。
// ソフトウェア上の失効がハードウェア上書きより先に完了することで、
// 途中で停止しても記録上2つの有効鍵が信頼され続けることはない。
// 生成と失効の間には2鍵が有効な短い過渡窓があるが、先に失効させる方式は
// 有効鍵がゼロになる窓を生むため採用しない。
func (s *LifecycleService) Rotate(ctx context.Context, class domain.EntityClass, entityID string) (*domain.ProvisionResult, error) {
	unlock := s.lockEntity(class, entityID)
	defer unlock()

	old, err := s.keyring.FindActive(ctx, class, entityID)
	if err != nil {
		return nil, err
	}

	newKey, err := s.keyring.GenerateReplacement(ctx, old.ID)
	if err != nil {
		return nil, err
	}

	if err := s.keyring.Revoke(ctx, old.ID); err != nil {
		return nil, fmt.Errorf("revoking previous key %s: %w", old.ID, err)
	}
	old.Status = domain.KeyStatusRevoked

	if err := s.provision(ctx, newKey); err != nil {
		slog.WarnContext(ctx, "rotated key minted but not provisioned",
			"key_id", newKey.ID,
			"previous_key_id", old.ID,
			"entity_class", class,
			"entity_id", entityID,
			"error", err,
		)
		return &domain.ProvisionResult{SubKey: newKey, Previous: old, Provisioned: false, ImportError: err}, nil
	}

	return &domain.ProvisionResult{SubKey: newKey, Previous: old, Provisioned: true}, nil
}

// Verify は固定プローブへの署名と検証でサブ鍵の健全性を確認する。
// 有効な鍵で検証が失敗した場合は運用上の異常であり、ローテーションを要する。
func (s *LifecycleService) Verify(ctx context.Context, keyID string) (bool, error) {
	sig, err := s.keyring.Sign(ctx, keyID, probeMessage)
	if err != nil {
		return false, err
	}
	return s.keyring.Verify(ctx, keyID, probeMessage, sig)
}

// TokenHealth は監視用にトークンの稼働状態を取得する。
func (s *LifecycleService) TokenHealth(ctx context.Context) (domain.TokenHealth, *domain.TokenInfo, error) {
	return s.token.HealthCheck(ctx)
}

// ListKeys はエンティティの全サブ鍵のメタデータを取得する。
func (s *LifecycleService) ListKeys(ctx context.Context, class domain.EntityClass, entityID string) ([]*domain.SubKeyMetadata, error) {
	return s.keyring.ListByEntity(ctx, class, entityID)
}

// provision は鍵素材をエクスポートし、クラスに対応するスロットへ書き込む。
func (s *LifecycleService) provision(ctx context.Context, meta *domain.SubKeyMetadata) error {
	policy, err := s.policies.For(meta.EntityClass)
	if err != nil {
		return err
	}

	material, err := s.keyring.ExportSecret(ctx, meta.ID)
	if err != nil {
		return fmt.Errorf("exporting secret for %s: %w", meta.ID, err)
	}

	req := ImportRequest{
		Slot:        policy.Slot,
		Algorithm:   meta.Algorithm,
		Usages:      meta.Usages,
		Material:    material,
		PinPolicy:   policy.PinPolicy,
		TouchPolicy: policy.TouchPolicy,
	}
	if err := s.token.Import(ctx, req); err != nil {
		return fmt.Errorf("importing key %s into slot %s: %w", meta.ID, policy.Slot, err)
	}
	return nil
}

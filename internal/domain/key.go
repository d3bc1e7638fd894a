// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// KeyStatus は鍵のライフサイクル状態を表す。
type KeyStatus string

const (
	// KeyStatusActive は有効な鍵を表す。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusRevoked は失効済みの鍵を表す。失効は終端状態であり、
	// Active に戻る遷移は存在しない。
	KeyStatusRevoked KeyStatus = "revoked"
)

// EntityClass はサブ鍵を割り当てるエンティティの種別を表す。
type EntityClass string

const (
	// EntityClassDevice は末端デバイスを表す。
	EntityClassDevice EntityClass = "device"
	// EntityClassRouter はルーターを表す。
	EntityClassRouter EntityClass = "router"
)

// KeyUsage は鍵の用途を表す。
type KeyUsage string

const (
	// KeyUsageSign は署名用途を表す。
	KeyUsageSign KeyUsage = "sign"
	// KeyUsageAuthenticate は認証用途を表す。
	KeyUsageAuthenticate KeyUsage = "authenticate"
	// KeyUsageEncrypt は暗号化用途を表す。
	KeyUsageEncrypt KeyUsage = "encrypt"
)

// 鍵アルゴリズムの識別子。
const (
	AlgorithmRSA4096 = "rsa-4096"
	AlgorithmECP256  = "ecdsa-p256"
	AlgorithmECP384  = "ecdsa-p384"
)

// MasterKey は信頼の起点となるマスター鍵エンティティを表す。
// 秘密鍵素材はKMSで暗号化された状態でのみ保持される。
type MasterKey struct {
	ID                  string
	Fingerprint         string
	Algorithm           string
	EncryptedPrivateKey []byte
	Status              KeyStatus
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// MasterKeyExport はマスター鍵生成時に一度だけ返される持ち出し用データを表す。
// 公開鍵と失効証明書は呼び出し側がオフラインで保管する。サービス側は
// 生成完了後にこれらを保持しない。
type MasterKeyExport struct {
	ID                string
	Fingerprint       string
	PublicKeyPEM      string
	RevocationCertPEM string
	CreatedAt         time.Time
}

// SubKey はエンティティに紐づくサブ鍵エンティティを表す。
// アルゴリズム・用途・有効期限は生成時に固定され、以後変更されない。
type SubKey struct {
	ID                  string
	MasterKeyID         string
	EntityClass         EntityClass
	EntityID            string
	Fingerprint         string
	Algorithm           string
	Usages              []KeyUsage
	EncryptedPrivateKey []byte
	Status              KeyStatus
	CreatedAt           time.Time
	ExpiresAt           time.Time
	UpdatedAt           time.Time
}

// Metadata はサブ鍵からメタデータのみを抽出する。
func (k *SubKey) Metadata() *SubKeyMetadata {
	return &SubKeyMetadata{
		ID:          k.ID,
		MasterKeyID: k.MasterKeyID,
		EntityClass: k.EntityClass,
		EntityID:    k.EntityID,
		Fingerprint: k.Fingerprint,
		Algorithm:   k.Algorithm,
		Usages:      k.Usages,
		Status:      k.Status,
		CreatedAt:   k.CreatedAt,
		ExpiresAt:   k.ExpiresAt,
	}
}

// SubKeyMetadata はサブ鍵のメタデータを表す（秘密鍵素材を含まない）。
type SubKeyMetadata struct {
	ID          string
	MasterKeyID string
	EntityClass EntityClass
	EntityID    string
	Fingerprint string
	Algorithm   string
	Usages      []KeyUsage
	Status      KeyStatus
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// HasUsage は鍵が指定された用途を持つか確認する。
func (m *SubKeyMetadata) HasUsage(usage KeyUsage) bool {
	for _, u := range m.Usages {
		if u == usage {
			return true
		}
	}
	return false
}

// ProvisionResult は鍵生成とハードウェア書き込みの複合結果を表す。
// Provisioned が false の場合、鍵は有効なまま未書き込みであり、
// 同じ鍵IDに対する再書き込み（RetryImport）で回復する。再生成は不要。
type ProvisionResult struct {
	SubKey      *SubKeyMetadata
	Previous    *SubKeyMetadata // ローテーション時の旧鍵（失効済み）
	Provisioned bool
	ImportError error
}

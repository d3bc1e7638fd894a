package domain

import "time"

// ClassPolicy はエンティティ種別ごとの鍵ポリシーを表す。
// テーブルはデプロイ時に有効期限のみ上書き可能で、呼び出しごとには変更できない。
type ClassPolicy struct {
	Algorithm   string
	Usages      []KeyUsage
	TTL         time.Duration
	Slot        SlotLabel
	PinPolicy   PinPolicy
	TouchPolicy TouchPolicy
}

// PolicyTable はエンティティ種別からクラスポリシーへの対応表を表す。
type PolicyTable map[EntityClass]ClassPolicy

// デフォルトの有効期限。デバイスは1年、ルーターは6ヶ月。
const (
	DefaultDeviceKeyTTL = 365 * 24 * time.Hour
	DefaultRouterKeyTTL = 180 * 24 * time.Hour
)

// DefaultPolicyTable は固定のクラス別ポリシーテーブルを返す。
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		EntityClassDevice: {
			Algorithm:   AlgorithmECP256,
			Usages:      []KeyUsage{KeyUsageSign, KeyUsageAuthenticate},
			TTL:         DefaultDeviceKeyTTL,
			Slot:        SlotAuthentication,
			PinPolicy:   PinPolicyOnce,
			TouchPolicy: TouchPolicyAlways,
		},
		EntityClassRouter: {
			Algorithm:   AlgorithmECP384,
			Usages:      []KeyUsage{KeyUsageSign, KeyUsageAuthenticate, KeyUsageEncrypt},
			TTL:         DefaultRouterKeyTTL,
			Slot:        SlotSignature,
			PinPolicy:   PinPolicyOnce,
			TouchPolicy: TouchPolicyAlways,
		},
	}
}

// NewPolicyTable はデフォルトテーブルに有効期限の上書きを適用して返す。
// ゼロ値の上書きは無視される。
func NewPolicyTable(deviceTTL, routerTTL time.Duration) PolicyTable {
	table := DefaultPolicyTable()
	if deviceTTL > 0 {
		policy := table[EntityClassDevice]
		policy.TTL = deviceTTL
		table[EntityClassDevice] = policy
	}
	if routerTTL > 0 {
		policy := table[EntityClassRouter]
		policy.TTL = routerTTL
		table[EntityClassRouter] = policy
	}
	return table
}

// For は指定された種別のポリシーを返す。
func (t PolicyTable) For(class EntityClass) (ClassPolicy, error) {
	policy, ok := t[class]
	if !ok {
		return ClassPolicy{}, ErrInvalidEntityClass
	}
	return policy, nil
}

// ParseEntityClass は文字列をエンティティ種別に変換する。
func ParseEntityClass(s string) (EntityClass, error) {
	switch EntityClass(s) {
	case EntityClassDevice:
		return EntityClassDevice, nil
	case EntityClassRouter:
		return EntityClassRouter, nil
	default:
		return "", ErrInvalidEntityClass
	}
}

package domain

// SlotLabel はハードウェアトークン上のスロットを表す。
// ラベルはPIVスロットIDに対応する。
type SlotLabel string

const (
	// SlotAuthentication は認証スロット（9a）。デバイス鍵の書き込み先。
	SlotAuthentication SlotLabel = "9a"
	// SlotSignature は署名スロット（9c）。ルーター鍵の書き込み先。
	SlotSignature SlotLabel = "9c"
)

// PinPolicy はスロット鍵の使用時にPIN入力を要求する頻度を表す。
type PinPolicy string

const (
	PinPolicyNever  PinPolicy = "never"
	PinPolicyOnce   PinPolicy = "once"
	PinPolicyAlways PinPolicy = "always"
)

// TouchPolicy はスロット鍵の使用時に物理タッチを要求する頻度を表す。
type TouchPolicy string

const (
	TouchPolicyNever  TouchPolicy = "never"
	TouchPolicyCached TouchPolicy = "cached"
	TouchPolicyAlways TouchPolicy = "always"
)

// TokenHealth はトークンの稼働状態を表す。
type TokenHealth string

const (
	TokenHealthHealthy     TokenHealth = "healthy"
	TokenHealthDegraded    TokenHealth = "degraded"
	TokenHealthUnreachable TokenHealth = "unreachable"
)

// TokenInfo は接続中トークンの個体情報を表す。
type TokenInfo struct {
	Serial     uint32
	Version    string
	PINRetries int
}

// slotCapabilities はスロットごとに対応可能な鍵用途を定義する。
var slotCapabilities = map[SlotLabel][]KeyUsage{
	SlotAuthentication: {KeyUsageSign, KeyUsageAuthenticate},
	SlotSignature:      {KeyUsageSign, KeyUsageAuthenticate, KeyUsageEncrypt},
}

// SlotSupports はスロットが指定された用途集合をすべて表現できるか確認する。
func SlotSupports(slot SlotLabel, usages []KeyUsage) bool {
	supported, ok := slotCapabilities[slot]
	if !ok {
		return false
	}
	for _, usage := range usages {
		found := false
		for _, s := range supported {
			if s == usage {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

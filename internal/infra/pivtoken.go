package infra

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/go-piv/piv-go/v2/piv"

	"keynet-service/config"
	"keynet-service/internal/domain"
	"keynet-service/internal/usecase"
)

// PIVToken はPIV対応ハードウェアトークンへのコネクタ。
// usecase.TokenConnector を実装する。
type PIVToken struct {
	mgmtKey []byte
	serial  uint32 // 0の場合は最初に見つかったトークンを使用
}

// NewPIVToken は設定からPIVコネクタを生成する。
// 管理キーは設定で明示的に供給される必要があり、
// 工場出荷時デフォルトの管理キーは拒否される。
func NewPIVToken(cfg *config.Config) (*PIVToken, error) {
	if cfg.TokenMgmtKey == "" {
		return nil, fmt.Errorf("token management key is required")
	}
	mgmtKey, err := hex.DecodeString(cfg.TokenMgmtKey)
	if err != nil {
		return nil, fmt.Errorf("decoding token management key: %w", err)
	}
	if len(mgmtKey) != 24 && len(mgmtKey) != 32 {
		return nil, fmt.Errorf("token management key must be 24 or 32 bytes, got %d", len(mgmtKey))
	}
	if bytes.Equal(mgmtKey, piv.DefaultManagementKey[:]) {
		return nil, fmt.Errorf("factory-default management key is not allowed")
	}

	return &PIVToken{
		mgmtKey: mgmtKey,
		serial:  cfg.TokenSerial,
	}, nil
}

// Connect は接続されたトークンを探してセッションを開く。
func (t *PIVToken) Connect(ctx context.Context) (usecase.TokenSession, error) {
	cards, err := piv.Cards()
	if err != nil {
		return nil, fmt.Errorf("%w: listing cards: %v", domain.ErrTokenUnavailable, err)
	}

	for _, card := range cards {
		if !strings.Contains(strings.ToLower(card), "yubikey") {
			continue
		}
		yk, err := piv.Open(card)
		if err != nil {
			continue
		}
		if t.serial != 0 {
			serial, err := yk.Serial()
			if err != nil || serial != t.serial {
				yk.Close()
				continue
			}
		}
		return &pivSession{yk: yk, mgmtKey: t.mgmtKey}, nil
	}

	return nil, fmt.Errorf("%w: no matching token attached", domain.ErrTokenUnavailable)
}

// pivSession は開かれたトークンとの単一セッション。
type pivSession struct {
	yk      *piv.YubiKey
	mgmtKey []byte
}

var pivSlots = map[domain.SlotLabel]piv.Slot{
	domain.SlotAuthentication: piv.SlotAuthentication,
	domain.SlotSignature:      piv.SlotSignature,
}

var pivAlgorithms = map[string]piv.Algorithm{
	domain.AlgorithmECP256: piv.AlgorithmEC256,
	domain.AlgorithmECP384: piv.AlgorithmEC384,
}

var pivPinPolicies = map[domain.PinPolicy]piv.PINPolicy{
	domain.PinPolicyNever:  piv.PINPolicyNever,
	domain.PinPolicyOnce:   piv.PINPolicyOnce,
	domain.PinPolicyAlways: piv.PINPolicyAlways,
}

var pivTouchPolicies = map[domain.TouchPolicy]piv.TouchPolicy{
	domain.TouchPolicyNever:  piv.TouchPolicyNever,
	domain.TouchPolicyCached: piv.TouchPolicyCached,
	domain.TouchPolicyAlways: piv.TouchPolicyAlways,
}

// Import は秘密鍵素材をスロットへ書き込む。既存の鍵は上書きされる。
func (s *pivSession) Import(req usecase.ImportRequest) error {
	slot, ok := pivSlots[req.Slot]
	if !ok {
		return fmt.Errorf("%w: unknown slot %s", domain.ErrSlotIncompatible, req.Slot)
	}
	alg, ok := pivAlgorithms[req.Algorithm]
	if !ok {
		return fmt.Errorf("%w: unsupported algorithm %s", domain.ErrSlotIncompatible, req.Algorithm)
	}

	privKey, err := x509.ParsePKCS8PrivateKey(req.Material)
	if err != nil {
		return fmt.Errorf("parsing key material: %w", err)
	}

	policy := piv.Key{
		Algorithm:   alg,
		PINPolicy:   pivPinPolicies[req.PinPolicy],
		TouchPolicy: pivTouchPolicies[req.TouchPolicy],
	}
	if err := s.yk.SetPrivateKeyInsecure(s.mgmtKey, slot, privKey, policy); err != nil {
		return fmt.Errorf("%w: importing key: %v", domain.ErrTokenUnavailable, err)
	}
	return nil
}

// Info はトークンの個体情報を取得する。
func (s *pivSession) Info() (*domain.TokenInfo, error) {
	serial, err := s.yk.Serial()
	if err != nil {
		return nil, fmt.Errorf("%w: reading serial: %v", domain.ErrTokenUnavailable, err)
	}
	retries, err := s.yk.Retries()
	if err != nil {
		return nil, fmt.Errorf("%w: reading PIN retries: %v", domain.ErrTokenUnavailable, err)
	}
	v := s.yk.Version()
	return &domain.TokenInfo{
		Serial:     serial,
		Version:    fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch),
		PINRetries: retries,
	}, nil
}

// Close はセッションを閉じる。
func (s *pivSession) Close() error {
	return s.yk.Close()
}

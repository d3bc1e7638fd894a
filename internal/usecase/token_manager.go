package usecase

import (
	"context"
	"fmt"
	"time"

	"keynet-service/internal/domain"
)

// ImportRequest はスロットへの鍵書き込み要求を表す。
type ImportRequest struct {
	Slot        domain.SlotLabel
	Algorithm   string
	Usages      []domain.KeyUsage
	Material    []byte // PKCS#8 DER
	PinPolicy   domain.PinPolicy
	TouchPolicy domain.TouchPolicy
}

// TokenSession は接続済みトークンとの単一セッションを表す。
type TokenSession interface {
	Import(req ImportRequest) error
	Info() (*domain.TokenInfo, error)
	Close() error
}

// TokenConnector はハードウェアトークンへの低レベルアクセスを抽象化する。
type TokenConnector interface {
	Connect(ctx context.Context) (TokenSession, error)
}

// TokenManager はハードウェアトークンへの鍵書き込みとヘルスチェックを提供する。
// トークンは単一セッションデバイスのため、セッション枠をセマフォで直列化する。
// タイムアウト後も進行中のI/Oはセッションを閉じるまで枠を保持し続けるため、
// リトライが並行セッションを開くことはない。
type TokenManager struct {
	connector TokenConnector
	timeout   time.Duration
	sem       chan struct{}
}

// NewTokenManager は新しいTokenManagerを生成する。
func NewTokenManager(connector TokenConnector, timeout time.Duration) *TokenManager {
	return &TokenManager{
		connector: connector,
		timeout:   timeout,
		sem:       make(chan struct{}, 1),
	}
}

// Import は鍵素材をスロットへ書き込む。既存の鍵は上書きされる（冪等）。
// 用途集合がスロットの対応操作で表現できない場合はErrSlotIncompatibleを返す。
func (m *TokenManager) Import(ctx context.Context, req ImportRequest) error {
	if !domain.SlotSupports(req.Slot, req.Usages) {
		return fmt.Errorf("%w: slot %s cannot express usages %v", domain.ErrSlotIncompatible, req.Slot, req.Usages)
	}

	return m.withSession(ctx, func(session TokenSession) error {
		return session.Import(req)
	})
}

// HealthCheck はトークンの稼働状態を取得する。非破壊操作。
func (m *TokenManager) HealthCheck(ctx context.Context) (domain.TokenHealth, *domain.TokenInfo, error) {
	var info *domain.TokenInfo
	err := m.withSession(ctx, func(session TokenSession) error {
		var infoErr error
		info, infoErr = session.Info()
		return infoErr
	})
	if err != nil {
		return domain.TokenHealthUnreachable, nil, err
	}
	if info.PINRetries == 0 {
		return domain.TokenHealthDegraded, info, nil
	}
	return domain.TokenHealthHealthy, info, nil
}

// withSession はセッション枠の取得・接続・操作・切断をタイムアウト付きで実行する。
// トークンAPIはコンテキストを受け取らないため、操作はゴルーチンで実行し
// タイムアウト時はErrTokenUnavailableを返す。開始済みのハードウェアI/Oは
// 中断されず、セッションを閉じたあとに枠を返却する。枠が塞がっている間の
// 呼び出しはタイムアウトまで待機し、取得できなければErrTokenUnavailableを返す。
func (m *TokenManager) withSession(ctx context.Context, fn func(TokenSession) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrTokenUnavailable, ctx.Err())
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-m.sem }()
		session, err := m.connector.Connect(ctx)
		if err != nil {
			done <- err
			return
		}
		defer session.Close()
		done <- fn(session)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrTokenUnavailable, ctx.Err())
	}
}

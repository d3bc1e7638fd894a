package domain

import "errors"

var (
	// ErrCryptoBackend は鍵生成・署名バックエンドの失敗を表すエラー。
	// 呼び出し自体は失敗するが、同じ入力での再試行は安全。
	ErrCryptoBackend = errors.New("crypto backend failure")

	// ErrMasterKeyExists はマスター鍵が既に存在する場合のエラー。
	ErrMasterKeyExists = errors.New("master key already exists")

	// ErrMasterKeyNotFound は指定されたマスター鍵が存在しない場合のエラー。
	ErrMasterKeyNotFound = errors.New("master key not found")

	// ErrSubKeyExists は指定されたエンティティに有効なサブ鍵が既に存在する場合のエラー。
	// 入力を訂正しない限り再試行しても成功しない。
	ErrSubKeyExists = errors.New("active subkey already exists for entity")

	// ErrKeyNotFound は指定された鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyRevoked は失効済みの鍵に対する操作を表すエラー。
	ErrKeyRevoked = errors.New("key is revoked")

	// ErrKeyExpired は有効期限切れの鍵に対する操作を表すエラー。
	ErrKeyExpired = errors.New("key is expired")

	// ErrTokenUnavailable はハードウェアトークンに到達できない場合のエラー。
	// タイムアウトを含む。Importは上書き冪等のため再試行は安全。
	ErrTokenUnavailable = errors.New("hardware token unavailable")

	// ErrSlotIncompatible は鍵の用途がスロットの対応操作で表現できない場合のエラー。
	// 設定を見直さない限り再試行しても成功しない。
	ErrSlotIncompatible = errors.New("key usage incompatible with slot")

	// ErrInvalidEntityID はエンティティIDの形式が不正な場合のエラー。
	ErrInvalidEntityID = errors.New("invalid entity ID")

	// ErrInvalidEntityClass はエンティティ種別が不正な場合のエラー。
	ErrInvalidEntityClass = errors.New("invalid entity class")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

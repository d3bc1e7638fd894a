// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	KMSKeyName         string
	GoogleCloudProject string
	LogLevel           string

	// ハードウェアトークン接続設定
	TokenMgmtKey string // PIV管理キー（hex）。工場出荷時デフォルトは拒否される。
	TokenSerial  uint32 // 0の場合は最初に見つかったトークンを使用
	TokenTimeout time.Duration

	// クラス別ポリシーの有効期限上書き（ゼロ値はデフォルトを使用）
	DeviceKeyTTL time.Duration
	RouterKeyTTL time.Duration

	// マスター鍵の複数許可（デフォルトは単一ルートのみ）
	AllowMultipleMasters bool

	// OpenTelemetry設定
	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),

		TokenMgmtKey: os.Getenv("TOKEN_MGMT_KEY"),
		TokenSerial:  uint32(getEnvUint("TOKEN_SERIAL", 0)),
		TokenTimeout: getEnvDuration("TOKEN_TIMEOUT", 15*time.Second),

		DeviceKeyTTL: getEnvDuration("DEVICE_KEY_TTL", 0),
		RouterKeyTTL: getEnvDuration("ROUTER_KEY_TTL", 0),

		AllowMultipleMasters: getEnvBool("ALLOW_MULTIPLE_MASTERS", false),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "keynet-service"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvUint(key string, defaultVal uint64) uint64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseUint(val, 10, 32); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

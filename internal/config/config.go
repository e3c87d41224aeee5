package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	Env                   string
	LogLevel              string
	DatabaseDSN           string
	JWTSecret             string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	FrontendOrigin        string

	AI     AIConfig
	Blob   BlobConfig
	Upload UploadConfig

	DedupeTTLSeconds int
}

// AIConfig 描述外部 AI 进程的 TCP 地址与超时。
type AIConfig struct {
	Host                string
	Port                int
	TimeoutSeconds      int
	ProbeTimeoutSeconds int
}

func (c AIConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

func (c AIConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSeconds) * time.Second }

func (c AIConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

type BlobConfig struct {
	Backend string // memory | nats
	NATSURL string
	Bucket  string
}

type UploadConfig struct {
	MaxBytes     int64
	AllowedTypes []string
}

var defaults = map[string]any{
	"APP_PORT":                 "8080",
	"APP_ENV":                  "dev",
	"LOG_LEVEL":                "info",
	"DATABASE_DSN":             "host=localhost user=postgres password=postgres dbname=chatbot port=5432 sslmode=disable TimeZone=UTC",
	"JWT_SECRET":               defaultJWTSecret,
	"ACCESS_TOKEN_TTL_MINUTES": 15,
	"REFRESH_TOKEN_TTL_DAYS":   7,
	"FRONTEND_ORIGIN":          "http://localhost:3000",
	"AI_HOST":                  "localhost",
	"AI_PORT":                  8888,
	"AI_TIMEOUT_SECONDS":       90,
	"AI_PROBE_TIMEOUT_SECONDS": 5,
	"BLOB_BACKEND":             "memory",
	"NATS_URL":                 "nats://localhost:4222",
	"BLOB_BUCKET":              "chat-files",
	"UPLOAD_MAX_BYTES":         20 << 20,
	"UPLOAD_ALLOWED_TYPES":     "application/pdf",
	"DEDUPE_TTL_SECONDS":       300,
}

// Load 从环境变量（以及可选的 CONFIG_FILE）读取配置，非法数值回退到默认值。
func Load() Config {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		// 配置文件缺失时仍使用环境变量与默认值。
		_ = v.ReadInConfig()
	}

	return Config{
		Port:                  v.GetString("APP_PORT"),
		Env:                   v.GetString("APP_ENV"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		DatabaseDSN:           v.GetString("DATABASE_DSN"),
		JWTSecret:             v.GetString("JWT_SECRET"),
		AccessTokenTTLMinutes: positiveInt(v, "ACCESS_TOKEN_TTL_MINUTES"),
		RefreshTokenTTLDays:   positiveInt(v, "REFRESH_TOKEN_TTL_DAYS"),
		FrontendOrigin:        v.GetString("FRONTEND_ORIGIN"),
		AI: AIConfig{
			Host:                v.GetString("AI_HOST"),
			Port:                positiveInt(v, "AI_PORT"),
			TimeoutSeconds:      positiveInt(v, "AI_TIMEOUT_SECONDS"),
			ProbeTimeoutSeconds: positiveInt(v, "AI_PROBE_TIMEOUT_SECONDS"),
		},
		Blob: BlobConfig{
			Backend: strings.ToLower(v.GetString("BLOB_BACKEND")),
			NATSURL: v.GetString("NATS_URL"),
			Bucket:  v.GetString("BLOB_BUCKET"),
		},
		Upload: UploadConfig{
			MaxBytes:     int64(positiveInt(v, "UPLOAD_MAX_BYTES")),
			AllowedTypes: splitList(v.GetString("UPLOAD_ALLOWED_TYPES")),
		},
		DedupeTTLSeconds: positiveInt(v, "DEDUPE_TTL_SECONDS"),
	}
}

// positiveInt 读取整数配置，无法解析或不为正数时返回默认值。
func positiveInt(v *viper.Viper, key string) int {
	n := v.GetInt(key)
	if n <= 0 {
		d, _ := defaults[key].(int)
		return d
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate 检查启动前必须满足的配置约束。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed when APP_ENV=%s", cfg.Env)
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if cfg.AI.TimeoutSeconds < 0 {
		return errors.New("AI_TIMEOUT_SECONDS must be positive")
	}
	switch cfg.Blob.Backend {
	case "", "memory", "nats":
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", cfg.Blob.Backend)
	}
	return nil
}

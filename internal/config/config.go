// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string `env:"PORT" envDefault:"8000"`
	GinMode  string `env:"GIN_MODE" envDefault:"debug"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// CORS設定（カンマ区切り）
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`

	// ジョブ/キュー設定
	QueueRedisURL        string        `env:"QUEUE_REDIS_URL" envDefault:"redis://127.0.0.1:6379/0"`
	JobTTL               time.Duration `env:"JOB_TTL" envDefault:"1h"`
	JobTimeout           time.Duration `env:"JOB_TIMEOUT" envDefault:"1h"`
	JobSoftTimeoutMargin time.Duration `env:"JOB_SOFT_TIMEOUT_MARGIN" envDefault:"60s"`
	JobMaxRetry          int           `env:"JOB_MAX_RETRY" envDefault:"3"`
	JobRetryDelay        time.Duration `env:"JOB_RETRY_DELAY" envDefault:"60s"`
	WorkerConcurrency    int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	RunWorkers           bool          `env:"RUN_WORKERS" envDefault:"false"`

	// 未終了ジョブの保持期間（0 の場合は REAPER_STALE_AFTER + REAPER_INTERVAL×2、最低でも JOB_TTL）
	JobActiveTTL time.Duration `env:"JOB_ACTIVE_TTL"`

	// リーパー設定（0 の場合は JobTimeout + 5分）
	ReaperInterval   time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`
	ReaperStaleAfter time.Duration `env:"REAPER_STALE_AFTER"`

	// LLM設定
	OpenAI OpenAIConfig `envPrefix:"OPENAI_"`

	// アーカイブ（MongoDB、URI が空なら無効）
	Mongo MongoConfig `envPrefix:"MONGODB_"`

	// ライフサイクルイベント（NATS、URL が空なら無効）
	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"research.lifecycle"`

	// 認証設定
	AuthRequired    bool   `env:"AUTH_REQUIRED" envDefault:"false"`
	APIKeyHash      string `env:"API_KEY_HASH"`      // bcryptでハッシュ化されたAPIキー
	AppUsername     string `env:"APP_USERNAME"`      // ログイン用ユーザー名
	AppPasswordHash string `env:"APP_PASSWORD_HASH"` // bcryptでハッシュ化されたパスワード
	SessionSecret   string `env:"SESSION_SECRET"`    // セッション署名用の秘密鍵
}

// OpenAIConfig は OpenAI 互換 API の設定です。
type OpenAIConfig struct {
	APIKey      string  `env:"API_KEY"`
	BaseURL     string  `env:"BASE_URL"`
	Model       string  `env:"MODEL" envDefault:"gpt-4o-mini"`
	Temperature float32 `env:"TEMPERATURE" envDefault:"0.1"`
	MaxTokens   int     `env:"MAX_TOKENS" envDefault:"8192"`
}

// MongoConfig はレポートアーカイブの接続設定です。
type MongoConfig struct {
	URI        string `env:"URI"`
	Database   string `env:"DATABASE" envDefault:"agent_farm"`
	Collection string `env:"COLLECTION" envDefault:"reports"`
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

func (c *Config) applyDefaults() {
	if c.ReaperStaleAfter <= 0 {
		c.ReaperStaleAfter = c.JobTimeout + 5*time.Minute
	}
	if c.JobActiveTTL <= 0 {
		c.JobActiveTTL = max(c.JobTTL, c.ReaperStaleAfter+2*c.ReaperInterval)
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 1
	}
}

// IsRelease は本番モードかどうかを返します。
func (c *Config) IsRelease() bool {
	return c.GinMode == "release"
}

// AllowedOrigins は CORS 許可オリジンを配列で返します。
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.QueueRedisURL == "" {
		return errors.New("QUEUE_REDIS_URL is required")
	}
	if c.JobTTL <= 0 {
		return errors.New("JOB_TTL must be positive")
	}
	if c.JobTimeout <= 0 {
		return errors.New("JOB_TIMEOUT must be positive")
	}
	if c.JobSoftTimeoutMargin < 0 || c.JobSoftTimeoutMargin >= c.JobTimeout {
		return fmt.Errorf("JOB_SOFT_TIMEOUT_MARGIN must be in [0, %s)", c.JobTimeout)
	}
	if c.JobMaxRetry < 0 {
		return errors.New("JOB_MAX_RETRY must not be negative")
	}
	if c.JobRetryDelay < 0 {
		return errors.New("JOB_RETRY_DELAY must not be negative")
	}
	if c.ReaperInterval <= 0 {
		return errors.New("REAPER_INTERVAL must be positive")
	}
	if c.ReaperStaleAfter <= 0 {
		return errors.New("REAPER_STALE_AFTER must be positive")
	}
	// リーパーが FAILED を書く前に未終了のレコードが期限切れにならないこと
	if c.JobActiveTTL <= c.ReaperStaleAfter+c.ReaperInterval {
		return fmt.Errorf("JOB_ACTIVE_TTL (%s) must be longer than REAPER_STALE_AFTER + REAPER_INTERVAL (%s)",
			c.JobActiveTTL, c.ReaperStaleAfter+c.ReaperInterval)
	}

	if c.AuthRequired {
		if c.SessionSecret == "" {
			return errors.New("SESSION_SECRET is required when AUTH_REQUIRED=true")
		}
		if c.APIKeyHash == "" && (c.AppUsername == "" || c.AppPasswordHash == "") {
			return errors.New("API_KEY_HASH or APP_USERNAME/APP_PASSWORD_HASH is required when AUTH_REQUIRED=true")
		}
	}

	// ローカル開発では LLM キーは任意（ジョブ実行時に失敗する）
	if c.IsRelease() && c.OpenAI.APIKey == "" {
		return errors.New("OPENAI_API_KEY is required in release mode")
	}

	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ドキュメントストアのバックエンド
const (
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Session
	SessionSecret      string
	SessionMaxAge      int // persistence=local のセッション有効期間（秒）
	SessionShortMaxAge int // persistence=session のセッション有効期間（秒）

	// Document store
	DocstoreBackend          string
	FirestoreProjectID       string
	FirestoreCredentialsFile string

	// Local cache
	LocalCachePath string

	// Account
	EmailVerificationPolicy string
	LoginMaxAttempts        int
	LoginLockDuration       time.Duration
	MailFrom                string

	// Workspace
	WorkspaceIdleTimeout time.Duration
	DeleteConcurrency    int
	Location             *time.Location

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitAuth    int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// source は環境変数とYAMLファイルから値を引く。環境変数が優先される。
type source struct {
	file map[string]string
}

// Load は環境変数からConfigを読み込む。
// CONFIG_FILEが設定されている場合はYAMLファイルの値を既定値として使う。
// YAMLのキーは環境変数名を小文字にしたもの（例: server_port）。
// 必須の値が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	src, err := newSource(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = src.get("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = src.get("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = src.get("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = src.getInt("SESSION_MAX_AGE", 2592000)
	cfg.SessionShortMaxAge = src.getInt("SESSION_SHORT_MAX_AGE", 43200)
	cfg.DocstoreBackend = strings.ToLower(src.getString("DOCSTORE_BACKEND", BackendPostgres))
	cfg.FirestoreProjectID = src.getString("FIRESTORE_PROJECT_ID", "")
	cfg.FirestoreCredentialsFile = src.getString("FIRESTORE_CREDENTIALS_FILE", "")
	cfg.LocalCachePath = src.getString("LOCAL_CACHE_PATH", "data/devlog-cache.db")
	cfg.EmailVerificationPolicy = strings.ToLower(src.getString("EMAIL_VERIFICATION_POLICY", "advisory"))
	cfg.LoginMaxAttempts = src.getInt("LOGIN_MAX_ATTEMPTS", 5)
	cfg.LoginLockDuration = src.getDuration("LOGIN_LOCK_DURATION", 10*time.Minute)
	cfg.MailFrom = src.getString("MAIL_FROM", "devlog@localhost")
	cfg.WorkspaceIdleTimeout = src.getDuration("WORKSPACE_IDLE_TIMEOUT", 30*time.Minute)
	cfg.DeleteConcurrency = src.getInt("DELETE_CONCURRENCY", 8)
	cfg.RateLimitGeneral = src.getInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = src.getInt("RATE_LIMIT_AUTH", 10)
	cfg.ServerPort = src.getString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = src.getString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = src.getString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	loc, err := time.LoadLocation(src.getString("TIME_ZONE", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIME_ZONE: %w", err)
	}
	cfg.Location = loc

	switch cfg.DocstoreBackend {
	case BackendPostgres, BackendMemory:
	case BackendFirestore:
		if cfg.FirestoreProjectID == "" {
			return nil, fmt.Errorf("FIRESTORE_PROJECT_ID is required when DOCSTORE_BACKEND=%s", BackendFirestore)
		}
	default:
		return nil, fmt.Errorf("unsupported DOCSTORE_BACKEND: %q", cfg.DocstoreBackend)
	}

	switch cfg.EmailVerificationPolicy {
	case "advisory", "required":
	default:
		return nil, fmt.Errorf("unsupported EMAIL_VERIFICATION_POLICY: %q", cfg.EmailVerificationPolicy)
	}

	return cfg, nil
}

// newSource はpathのYAMLファイルを読み込む。pathが空の場合は環境変数のみを使う。
func newSource(path string) (source, error) {
	src := source{file: map[string]string{}}
	if path == "" {
		return src, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return src, fmt.Errorf("failed to read config file: %w", err)
	}
	values := map[string]any{}
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return src, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	for k, v := range values {
		if v == nil {
			continue
		}
		src.file[strings.ToLower(k)] = fmt.Sprint(v)
	}
	return src, nil
}

func (s source) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[strings.ToLower(key)]
}

func (s source) getString(key, defaultVal string) string {
	if v := s.get(key); v != "" {
		return v
	}
	return defaultVal
}

func (s source) getInt(key string, defaultVal int) int {
	v := s.get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func (s source) getDuration(key string, defaultVal time.Duration) time.Duration {
	v := s.get(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

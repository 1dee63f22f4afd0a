// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	DBPath           string
	MasterKey        string
	StreamingEnabled bool

	GitHub     GitHubConfig
	Completion CompletionConfig

	UserConcurrency   int
	GlobalConcurrency int
	AskBudget         time.Duration
}

// GitHubConfig holds GitHub App credentials.
type GitHubConfig struct {
	AppID         int64
	PrivateKey    string
	WebhookSecret string
}

// CompletionConfig holds completion API settings.
type CompletionConfig struct {
	APIKey  string
	BaseURL string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	appID, err := strconv.ParseInt(getEnv("GITHUB_APP_ID", "0"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse GITHUB_APP_ID: %w", err)
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		DBPath:           getEnv("DB_PATH", "./data/giknew.db"),
		MasterKey:        os.Getenv("MASTER_KEY"),
		StreamingEnabled: getEnvBool("STREAMING_ENABLED", false),
		GitHub: GitHubConfig{
			AppID:         appID,
			PrivateKey:    NormalizePrivateKey(os.Getenv("GITHUB_APP_PRIVATE_KEY")),
			WebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),
		},
		Completion: CompletionConfig{
			APIKey:  os.Getenv("LONGCAT_API_KEY"),
			BaseURL: getEnv("LONGCAT_BASE_URL", "https://api.longcat.chat/openai"),
		},
		UserConcurrency:   getEnvInt("AI_USER_CONCURRENCY", 5),
		GlobalConcurrency: getEnvInt("AI_GLOBAL_CONCURRENCY", 25),
		AskBudget:         25 * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.GitHub.AppID == 0 {
		return fmt.Errorf("GITHUB_APP_ID must be set")
	}
	if c.GitHub.PrivateKey == "" {
		return fmt.Errorf("GITHUB_APP_PRIVATE_KEY cannot be empty")
	}
	if c.GitHub.WebhookSecret == "" {
		return fmt.Errorf("GITHUB_WEBHOOK_SECRET cannot be empty")
	}
	if c.Completion.APIKey == "" {
		return fmt.Errorf("LONGCAT_API_KEY cannot be empty")
	}
	if keyLen(c.MasterKey) < 32 {
		return fmt.Errorf("MASTER_KEY must be a 32-byte value (raw or 64 hex chars)")
	}
	if c.UserConcurrency <= 0 || c.GlobalConcurrency <= 0 {
		return fmt.Errorf("concurrency limits must be > 0")
	}
	return nil
}

func keyLen(masterKey string) int {
	if matched, _ := regexp.MatchString(`^[0-9a-fA-F]{64}$`, masterKey); matched {
		return 32
	}
	return len(masterKey)
}

var pemOneLine = regexp.MustCompile(`(-----BEGIN [A-Z ]+-----)(.+)(-----END [A-Z ]+-----)`)

// NormalizePrivateKey repairs PEM keys mangled by env-var transport:
// surrounding quotes, escaped newlines, and bodies collapsed onto one line.
func NormalizePrivateKey(raw string) string {
	if (strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`)) ||
		(strings.HasPrefix(raw, `'`) && strings.HasSuffix(raw, `'`)) {
		raw = raw[1 : len(raw)-1]
	}
	raw = strings.ReplaceAll(raw, `\n`, "\n")
	if strings.Contains(raw, "\n") {
		return raw
	}
	return pemOneLine.ReplaceAllStringFunc(raw, func(m string) string {
		parts := pemOneLine.FindStringSubmatch(m)
		body := strings.Join(strings.Fields(parts[2]), "")
		var wrapped []string
		for len(body) > 64 {
			wrapped = append(wrapped, body[:64])
			body = body[64:]
		}
		if body != "" {
			wrapped = append(wrapped, body)
		}
		return parts[1] + "\n" + strings.Join(wrapped, "\n") + "\n" + parts[3]
	})
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

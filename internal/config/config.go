package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DB     DBConfig
	JWT    JWTConfig
	Server ServerConfig
	GitHub GitHubConfig
	Email  EmailConfig
	MinIO  MinIOConfig
	Audit  AuditConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

type ServerConfig struct {
	Port string
	// AppBaseURL is the candidate-facing frontend; invite links point there.
	AppBaseURL string
}

type GitHubConfig struct {
	AppID          string
	InstallationID string
	Org            string
	// PrivateKey is the App's PEM key, raw or base64-encoded.
	PrivateKey string
	APIBaseURL string
	// RequestTimeout bounds every provider call made by the lifecycle engine.
	RequestTimeout time.Duration
}

type EmailConfig struct {
	APIKey    string
	APIURL    string
	FromEmail string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type AuditConfig struct {
	ExportInterval time.Duration
}

func Load() *Config {
	// Optional; real deployments set env vars directly.
	_ = godotenv.Load()

	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "assesshub"),
			Password: getEnv("DB_PASSWORD", "assesshub_secret"),
			Name:     getEnv("DB_NAME", "assesshub"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			Secret:          getEnv("JWT_SECRET", "change-me-in-production"),
			ExpirationHours: getEnvAsInt("JWT_EXPIRATION_HOURS", 24),
		},
		Server: ServerConfig{
			Port:       getEnv("SERVER_PORT", "8080"),
			AppBaseURL: getEnv("APP_BASE_URL", "http://localhost:3000"),
		},
		GitHub: GitHubConfig{
			AppID:          getEnv("GITHUB_APP_ID", ""),
			InstallationID: getEnv("GITHUB_INSTALLATION_ID", ""),
			Org:            getEnv("GITHUB_ORG", ""),
			PrivateKey:     getEnv("GITHUB_PRIVATE_KEY", ""),
			APIBaseURL:     getEnv("GITHUB_API_BASE_URL", "https://api.github.com"),
			RequestTimeout: getEnvAsDuration("GITHUB_REQUEST_TIMEOUT", 30*time.Second),
		},
		Email: EmailConfig{
			APIKey:    getEnv("RESEND_API_KEY", ""),
			APIURL:    getEnv("RESEND_API_URL", "https://api.resend.com/emails"),
			FromEmail: getEnv("RESEND_FROM_EMAIL", "onboarding@resend.dev"),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "assesshub-audit"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		},
		Audit: AuditConfig{
			ExportInterval: getEnvAsDuration("AUDIT_EXPORT_INTERVAL", 1*time.Hour),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

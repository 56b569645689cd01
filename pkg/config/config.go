package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	Environment     string
	LogLevel        string
	DatabasePath    string
	RemoteBackend   string // memory, sqlite or redis
	RedisURL        string
	JWTSecret       string
	TokenTTL        time.Duration
	WriteTimeout    time.Duration
	CORSOrigins     string
	MaxUploadSize   int64
	FileStoragePath string
	DevicePushToken string
	Locale          string
}

// Load reads configuration from the environment. Values missing from the
// environment are taken from the env file named by CHATSYNC_ENV_FILE (default
// .env) and then from defaults.
func Load() *Config {
	env := loadEnvFile(getEnvOr(nil, "CHATSYNC_ENV_FILE", ".env"))

	return &Config{
		Port:            getEnvOr(env, "PORT", "8080"),
		Environment:     getEnvOr(env, "ENVIRONMENT", "development"),
		LogLevel:        getEnvOr(env, "LOG_LEVEL", "info"),
		DatabasePath:    getEnvOr(env, "DATABASE_PATH", "./data/chatsync.db"),
		RemoteBackend:   strings.ToLower(getEnvOr(env, "REMOTE_BACKEND", "sqlite")),
		RedisURL:        getEnvOr(env, "REDIS_URL", "redis://localhost:6379/0"),
		JWTSecret:       getEnvOr(env, "JWT_SECRET", "your-secret-key-change-in-production"),
		TokenTTL:        parseDuration(getEnvOr(env, "TOKEN_TTL", "24h"), 24*time.Hour),
		WriteTimeout:    parseDuration(getEnvOr(env, "WRITE_TIMEOUT", "15s"), 15*time.Second),
		CORSOrigins:     getEnvOr(env, "CORS_ORIGINS", "*"),
		MaxUploadSize:   parseInt64(getEnvOr(env, "MAX_UPLOAD_SIZE", "10485760")), // 10MB default
		FileStoragePath: getEnvOr(env, "FILE_STORAGE_PATH", "./data/uploads"),
		DevicePushToken: getEnvOr(env, "DEVICE_PUSH_TOKEN", ""),
		Locale:          getEnvOr(env, "LOCALE", "fa"),
	}
}

// AllowedOrigins splits CORSOrigins on commas.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func loadEnvFile(path string) map[string]string {
	if path == "" {
		return nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil
	}
	return values
}

func getEnvOr(file map[string]string, key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if value, exists := file[key]; exists {
		return value
	}
	return defaultValue
}

func parseInt64(s string) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 10485760 // 10MB default
	}
	return val
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

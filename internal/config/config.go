package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "change-me-in-production"

// MaxProbeTimeout - верхняя граница PROBE_MAX_TIMEOUT, зависший брокер не держит блокировку дольше
const MaxProbeTimeout = 60 * time.Second

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Security SecurityConfig
	Probe    ProbeConfig
	Brokers  BrokersConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port            int
	Host            string
	UseHTTPS        bool
	CertFile        string
	KeyFile         string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver          string // postgres или memory
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// RedisConfig - Redis для распределенных блокировок, пустой URL = блокировки в памяти
type RedisConfig struct {
	URL     string
	LockTTL time.Duration
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	JWTSecret     string
	EncryptionKey string
}

// ProbeConfig - параметры проверки подключений у брокеров
type ProbeConfig struct {
	Timeout         time.Duration // запрошенный таймаут проверки
	MinTimeout      time.Duration
	MaxTimeout      time.Duration
	BreakerFailures int           // подряд неудачных проверок до размыкания
	BreakerCooldown time.Duration // время до пробного запроса после размыкания
	RateLimit       float64       // проверок в секунду на пользователя
	RateBurst       int
}

// BrokersConfig - справочник брокеров и OAuth клиенты для обновления токенов
type BrokersConfig struct {
	SeedFile     string
	OAuthClients map[string]OAuthClient // ключ - тип брокера (tradier, ...)
}

// OAuthClient - учетные данные OAuth приложения
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// Load загружает конфигурацию из переменных окружения
//
// Файл .env в рабочей директории подхватывается, если он есть;
// переменные окружения имеют приоритет над .env.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS:        getEnvAsBool("USE_HTTPS", false),
			CertFile:        getEnv("CERT_FILE", ""),
			KeyFile:         getEnv("KEY_FILE", ""),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: databaseFromEnv(),
		Redis: RedisConfig{
			URL:     getEnv("REDIS_URL", ""),
			LockTTL: getEnvAsDuration("REDIS_LOCK_TTL", 60*time.Second),
		},
		Security: SecurityConfig{
			JWTSecret:     getEnv("JWT_SECRET", defaultJWTSecret),
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		Probe: ProbeConfig{
			Timeout:         getEnvAsDuration("PROBE_TIMEOUT", 10*time.Second),
			MinTimeout:      getEnvAsDuration("PROBE_MIN_TIMEOUT", 5*time.Second),
			MaxTimeout:      getEnvAsDuration("PROBE_MAX_TIMEOUT", 15*time.Second),
			BreakerFailures: getEnvAsInt("PROBE_BREAKER_FAILURES", 5),
			BreakerCooldown: getEnvAsDuration("PROBE_BREAKER_COOLDOWN", 30*time.Second),
			RateLimit:       getEnvAsFloat("PROBE_RATE_LIMIT", 1),
			RateBurst:       getEnvAsInt("PROBE_RATE_BURST", 5),
		},
		Brokers: BrokersConfig{
			SeedFile:     getEnv("BROKERS_FILE", ""),
			OAuthClients: loadOAuthClients(),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDatabase загружает только настройки БД
//
// Для утилит (connctl), которым не нужны ключи шифрования и JWT.
func LoadDatabase() (DatabaseConfig, error) {
	_ = godotenv.Load()

	db := databaseFromEnv()
	if db.Port < 1 || db.Port > 65535 {
		return db, fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", db.Port)
	}
	return db, nil
}

func databaseFromEnv() DatabaseConfig {
	return DatabaseConfig{
		Driver:          getEnv("DB_DRIVER", "postgres"),
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		Name:            getEnv("DB_NAME", "brokerage"),
		User:            getEnv("DB_USER", "user"),
		Password:        getEnv("DB_PASSWORD", "password"),
		SSLMode:         getEnv("DB_SSL_MODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		AutoMigrate:     getEnvAsBool("DB_AUTO_MIGRATE", true),
	}
}

// loadOAuthClients читает {KIND}_CLIENT_ID / {KIND}_CLIENT_SECRET для брокеров с OAuth
func loadOAuthClients() map[string]OAuthClient {
	clients := make(map[string]OAuthClient)
	for _, kind := range []string{"tradier"} {
		prefix := strings.ToUpper(kind)
		id := getEnv(prefix+"_CLIENT_ID", "")
		secret := getEnv(prefix+"_CLIENT_SECRET", "")
		if id != "" && secret != "" {
			clients[kind] = OAuthClient{ClientID: id, ClientSecret: secret}
		}
	}
	return clients
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// ENCRYPTION_KEY обязателен для шифрования учетных данных брокеров
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required for encrypting broker credentials")
	}
	if len(c.Security.EncryptionKey) < 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be at least 32 bytes")
	}

	if c.Security.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required for authentication")
	}
	if c.Security.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed from default value in production")
	}
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters for security")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		return fmt.Errorf("DB_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}

	p := c.Probe
	if p.MinTimeout <= 0 || p.MaxTimeout <= 0 {
		return fmt.Errorf("PROBE_MIN_TIMEOUT and PROBE_MAX_TIMEOUT must be positive")
	}
	if p.MinTimeout > p.MaxTimeout {
		return fmt.Errorf("PROBE_MIN_TIMEOUT (%v) cannot exceed PROBE_MAX_TIMEOUT (%v)", p.MinTimeout, p.MaxTimeout)
	}
	if p.MaxTimeout > MaxProbeTimeout {
		return fmt.Errorf("PROBE_MAX_TIMEOUT (%v) cannot exceed %v", p.MaxTimeout, MaxProbeTimeout)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("PROBE_TIMEOUT must be positive, got %v", p.Timeout)
	}
	if p.BreakerFailures < 1 {
		return fmt.Errorf("PROBE_BREAKER_FAILURES must be at least 1, got %d", p.BreakerFailures)
	}
	if p.BreakerCooldown <= 0 {
		return fmt.Errorf("PROBE_BREAKER_COOLDOWN must be positive, got %v", p.BreakerCooldown)
	}
	if p.RateLimit < 0 {
		return fmt.Errorf("PROBE_RATE_LIMIT cannot be negative, got %v", p.RateLimit)
	}

	// Блокировка должна переживать самую долгую проверку
	if c.Redis.URL != "" && c.Redis.LockTTL <= 2*p.MaxTimeout {
		return fmt.Errorf("REDIS_LOCK_TTL (%v) must exceed twice PROBE_MAX_TIMEOUT (%v)", c.Redis.LockTTL, p.MaxTimeout)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// URL возвращает postgres:// URL для golang-migrate
func (d DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": []string{d.SSLMode}}.Encode(),
	}
	return u.String()
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Password  PasswordConfig
	Lockout   LockoutConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string
	Port string
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds the optional Redis connection used by the rate
// limiter. An empty Addr disables Redis and falls back to the in-memory
// window.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds token signing configuration
type JWTConfig struct {
	AccessSecret       string
	RefreshSecret      string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
}

// PasswordConfig holds hashing and history settings
type PasswordConfig struct {
	// HistoryDepth is how many previous hashes a new password is checked
	// against.
	HistoryDepth int
	// Argon2 work factor. Raising these does not invalidate existing
	// hashes; old parameters are read back out of the stored encoding.
	Argon2Memory      uint32 // KiB
	Argon2Iterations  uint32
	Argon2Parallelism uint8
}

// LockoutConfig holds the failure-counting windows. The threshold table
// itself lives in the lockout package.
type LockoutConfig struct {
	// Window is the rolling window over which failures accumulate.
	Window time.Duration
	// EscalationCooldown is how long after a lockout a fresh lockout
	// still escalates the tier.
	EscalationCooldown time.Duration
	// PermanentAfterLockouts is the number of lockouts inside the
	// cooldown that escalates to the indefinite tier.
	PermanentAfterLockouts int
}

// SessionConfig holds session lifecycle settings
type SessionConfig struct {
	// RekeyInterval is how often a continuously used session gets a
	// fresh session id.
	RekeyInterval time.Duration
	// HijackMode is "flag" (downgrade trust, require re-auth for
	// sensitive routes) or "block" (reject the request outright).
	HijackMode string
	// FingerprintWindow is the trailing window inside which a material
	// fingerprint change counts as a hijack signal.
	FingerprintWindow time.Duration
	// RevokeAllOnReuse revokes every session of the identity, not just
	// the affected one, when refresh-token reuse is detected.
	RevokeAllOnReuse bool
}

// RateLimitConfig holds per-endpoint-class sliding-window limits
type RateLimitConfig struct {
	Window           time.Duration
	LoginLimit       int
	RefreshLimit     int
	PasswordLimit    int
	ChallengeAfter   int // attempts beyond the limit before a challenge is demanded
	PerIPMultiplier  int // per-IP limit = per-identity limit * multiplier
}

// AuditConfig holds security event log settings
type AuditConfig struct {
	BufferSize int
	Retention  time.Duration
	// S3 archival target; empty bucket disables archival.
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "marketlens"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			AccessSecret:       getEnv("JWT_ACCESS_SECRET", ""),
			RefreshSecret:      getEnv("JWT_REFRESH_SECRET", ""),
			AccessTokenExpiry:  getDurationEnv("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry: getDurationEnv("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
			Issuer:             getEnv("JWT_ISSUER", "marketlens"),
		},
		Password: PasswordConfig{
			HistoryDepth:      getIntEnv("PASSWORD_HISTORY_DEPTH", 12),
			Argon2Memory:      uint32(getIntEnv("ARGON2_MEMORY_KIB", 64*1024)),
			Argon2Iterations:  uint32(getIntEnv("ARGON2_ITERATIONS", 3)),
			Argon2Parallelism: uint8(getIntEnv("ARGON2_PARALLELISM", 2)),
		},
		Lockout: LockoutConfig{
			Window:                 getDurationEnv("LOCKOUT_WINDOW", 15*time.Minute),
			EscalationCooldown:     getDurationEnv("LOCKOUT_ESCALATION_COOLDOWN", 24*time.Hour),
			PermanentAfterLockouts: getIntEnv("LOCKOUT_PERMANENT_AFTER", 3),
		},
		Session: SessionConfig{
			RekeyInterval:     getDurationEnv("SESSION_REKEY_INTERVAL", 30*time.Minute),
			HijackMode:        getEnv("SESSION_HIJACK_MODE", "flag"),
			FingerprintWindow: getDurationEnv("SESSION_FINGERPRINT_WINDOW", 5*time.Minute),
			RevokeAllOnReuse:  getBoolEnv("TOKEN_REUSE_REVOKE_ALL", false),
		},
		RateLimit: RateLimitConfig{
			Window:          getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
			LoginLimit:      getIntEnv("RATE_LIMIT_LOGIN", 10),
			RefreshLimit:    getIntEnv("RATE_LIMIT_REFRESH", 30),
			PasswordLimit:   getIntEnv("RATE_LIMIT_PASSWORD", 5),
			ChallengeAfter:  getIntEnv("RATE_LIMIT_CHALLENGE_AFTER", 20),
			PerIPMultiplier: getIntEnv("RATE_LIMIT_IP_MULTIPLIER", 5),
		},
		Audit: AuditConfig{
			BufferSize:  getIntEnv("AUDIT_BUFFER_SIZE", 1024),
			Retention:   getDurationEnv("AUDIT_RETENTION", 90*24*time.Hour),
			S3Bucket:    getEnv("AUDIT_S3_BUCKET", ""),
			S3Region:    getEnv("AUDIT_S3_REGION", "us-east-1"),
			S3Endpoint:  getEnv("AUDIT_S3_ENDPOINT", ""),
			S3AccessKey: getEnv("AUDIT_S3_ACCESS_KEY", ""),
			S3SecretKey: getEnv("AUDIT_S3_SECRET_KEY", ""),
		},
	}
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv returns an integer from environment variable or default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getBoolEnv returns a boolean from environment variable or default
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv returns duration from environment variable or default.
// Accepts Go duration strings ("30m") or a bare number of minutes.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

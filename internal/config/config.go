package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAccessSecret  = "dev-access-secret-change-me"
	defaultRefreshSecret = "dev-refresh-secret-change-me"
)

type Config struct {
	Port                  string
	DatabaseDSN           string
	Env                   string
	JWTAccessSecret       string
	JWTRefreshSecret      string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	SessionMaxAgeDays     int
	SessionSweepInterval  time.Duration
	BcryptCost            int
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AMQPURL               string
	AMQPExchange          string
	CORSOrigins           []string
	RateLimitRPS          int
	RateLimitBurst        int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 解析正整数，非法值或非正数回退到默认值。
func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Load 从环境变量读取配置，工作目录下存在 .env 时先加载它（不覆盖已有变量）。
func Load() Config {
	_ = godotenv.Load()
	redisDB, err := strconv.Atoi(os.Getenv("REDIS_DB"))
	if err != nil || redisDB < 0 {
		redisDB = 0
	}
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chatcore port=5432 sslmode=disable TimeZone=UTC"),
		Env:                   getenv("APP_ENV", "dev"),
		JWTAccessSecret:       getenv("JWT_ACCESS_SECRET", defaultAccessSecret),
		JWTRefreshSecret:      getenv("JWT_REFRESH_SECRET", defaultRefreshSecret),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),
		SessionMaxAgeDays:     getenvInt("SESSION_MAX_AGE_DAYS", 7),
		SessionSweepInterval:  getenvDuration("SESSION_SWEEP_INTERVAL", time.Hour),
		BcryptCost:            getenvInt("BCRYPT_COST", 10),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AMQPURL:               os.Getenv("AMQP_URL"),
		AMQPExchange:          getenv("AMQP_EXCHANGE", "chat.events"),
		CORSOrigins:           splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitRPS:          getenvInt("RATE_LIMIT_RPS", 20),
		RateLimitBurst:        getenvInt("RATE_LIMIT_BURST", 40),
	}
}

// Validate 检查启动必需项；非 dev 环境禁止使用默认密钥或相同的 access/refresh 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if cfg.JWTAccessSecret == "" || cfg.JWTRefreshSecret == "" {
		return errors.New("JWT secrets are required")
	}
	if cfg.Env != "dev" {
		if cfg.JWTAccessSecret == defaultAccessSecret || cfg.JWTRefreshSecret == defaultRefreshSecret {
			return errors.New("default JWT secret is not allowed outside dev")
		}
		if cfg.JWTAccessSecret == cfg.JWTRefreshSecret {
			return errors.New("access and refresh secrets must differ")
		}
	}
	return nil
}

func (c Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLDays) * 24 * time.Hour
}

func (c Config) SessionMaxAge() time.Duration {
	return time.Duration(c.SessionMaxAgeDays) * 24 * time.Hour
}

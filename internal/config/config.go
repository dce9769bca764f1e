package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config userdir 服务配置
type Config struct {
	LDAP      LDAPConfig
	DBEnabled bool
	Database  DatabaseConfig
	Redis     struct {
		Addr     string
		Password string
		DB       int
	}
	Consumer ConsumerConfig
	Log      struct {
		Level  string
		Format string
	}
}

// LDAPConfig 目录服务配置
type LDAPConfig struct {
	URL          string // e.g. "ldap://localhost:389"
	BindDN       string // service account used for every operation
	BindPassword string
	BaseDN       string // subtree holding user entries, e.g. "ou=users,dc=example,dc=com"
}

// DatabaseConfig 备用关系库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// DSN builds the lib/pq connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// ConsumerConfig 事件摄取配置
type ConsumerConfig struct {
	Stream       string // inbound creation events
	OutputStream string // downstream confirmation events
	Group        string
	Name         string
	BatchSize    int64
	Namespace    string // event type prefix, e.g. "accounts" -> "accounts.user.created"
	MaxIDRetries int    // id-collision regeneration budget per message
}

func Load() *Config {
	cfg := &Config{}

	cfg.LDAP.URL = getEnv("LDAP_URL", "ldap://localhost:389")
	cfg.LDAP.BindDN = getEnv("LDAP_BIND_DN", "cn=admin,dc=example,dc=com")
	cfg.LDAP.BindPassword = getEnv("LDAP_BIND_PASSWORD", "admin")
	cfg.LDAP.BaseDN = getEnv("LDAP_BASE_DN", "ou=users,dc=example,dc=com")

	// Default to true: without the relational fallback the service still
	// works, it just has nowhere to go when the directory is down.
	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "userdir")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "10"), 10)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.Consumer.Stream = getEnv("CONSUMER_STREAM", "accounts:events")
	cfg.Consumer.OutputStream = getEnv("CONSUMER_OUTPUT_STREAM", "accounts:provisioned")
	cfg.Consumer.Group = getEnv("CONSUMER_GROUP", "userdir")
	cfg.Consumer.Name = getEnv("CONSUMER_NAME", "userdir-1")
	cfg.Consumer.BatchSize = int64(parseInt(getEnv("CONSUMER_BATCH_SIZE", "10"), 10))
	cfg.Consumer.Namespace = getEnv("CONSUMER_NAMESPACE", "accounts")
	cfg.Consumer.MaxIDRetries = parseInt(getEnv("CONSUMER_MAX_ID_RETRIES", "10"), 10)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

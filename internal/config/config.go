package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "NOTTO"

	defaultDatabasePath     = "notto.db"
	defaultLogLevel         = "info"
	defaultLogMaxSizeMB     = 20
	defaultLogMaxBackups    = 3
	defaultBridgeAddress    = "127.0.0.1:7465"
	defaultSessionTTL       = 30 * 24 * time.Hour
	defaultTotpIssuer       = "Notto"
	defaultArgonMemoryKiB   = 64 * 1024
	defaultArgonIterations  = 1
	defaultArgonParallelism = 4
	defaultSyncInterval     = 30 * time.Second
	defaultHealthInterval   = 15 * time.Second
	defaultHealthTimeout    = 5 * time.Second
	defaultBackoffBase      = 2 * time.Second
	defaultBackoffMax       = 5 * time.Minute

	defaultServerHTTPAddress = "0.0.0.0:8080"
	defaultServerDriver      = "sqlite"
	defaultServerDSN         = "notto-server.db"
	defaultServerTokenTTL    = 24 * time.Hour
)

// Argon2Params tunes the memory-hard password hash.
type Argon2Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

// AppConfig captures runtime configuration for the local note core.
type AppConfig struct {
	DatabasePath       string
	LogLevel           string
	LogFile            string
	LogMaxSizeMB       int
	LogMaxBackups      int
	BridgeAddress      string
	SessionTTL         time.Duration
	TotpIssuer         string
	ChallengeSecret    string
	Argon2             Argon2Params
	SyncInterval       time.Duration
	SyncHealthInterval time.Duration
	SyncHealthTimeout  time.Duration
	SyncBackoffBase    time.Duration
	SyncBackoffMax     time.Duration
	SyncWatch          bool
}

// ServerConfig captures runtime configuration for the remote sync server.
type ServerConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabaseDSN    string
	SigningSecret  string
	TokenTTL       time.Duration
	LogLevel       string
	LogFile        string
	Argon2         Argon2Params
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("bridge.address", defaultBridgeAddress)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("auth.totp_issuer", defaultTotpIssuer)
	configViper.SetDefault("auth.challenge_secret", "")
	configViper.SetDefault("auth.argon2.memory_kib", defaultArgonMemoryKiB)
	configViper.SetDefault("auth.argon2.iterations", defaultArgonIterations)
	configViper.SetDefault("auth.argon2.parallelism", defaultArgonParallelism)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.health_interval", defaultHealthInterval)
	configViper.SetDefault("sync.health_timeout", defaultHealthTimeout)
	configViper.SetDefault("sync.backoff_base", defaultBackoffBase)
	configViper.SetDefault("sync.backoff_max", defaultBackoffMax)
	configViper.SetDefault("sync.watch", true)

	configViper.SetDefault("http.address", defaultServerHTTPAddress)
	configViper.SetDefault("database.driver", defaultServerDriver)
	configViper.SetDefault("database.dsn", defaultServerDSN)
	configViper.SetDefault("token.ttl", defaultServerTokenTTL)
}

// Load parses the local core configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFile:            configViper.GetString("log.file"),
		LogMaxSizeMB:       configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:      configViper.GetInt("log.max_backups"),
		BridgeAddress:      configViper.GetString("bridge.address"),
		SessionTTL:         configViper.GetDuration("session.ttl"),
		TotpIssuer:         configViper.GetString("auth.totp_issuer"),
		ChallengeSecret:    configViper.GetString("auth.challenge_secret"),
		Argon2:             loadArgon2(configViper),
		SyncInterval:       configViper.GetDuration("sync.interval"),
		SyncHealthInterval: configViper.GetDuration("sync.health_interval"),
		SyncHealthTimeout:  configViper.GetDuration("sync.health_timeout"),
		SyncBackoffBase:    configViper.GetDuration("sync.backoff_base"),
		SyncBackoffMax:     configViper.GetDuration("sync.backoff_max"),
		SyncWatch:          configViper.GetBool("sync.watch"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadServer parses the remote sync server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       configViper.GetDuration("token.ttl"),
		LogLevel:       configViper.GetString("log.level"),
		LogFile:        configViper.GetString("log.file"),
		Argon2:         loadArgon2(configViper),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

func loadArgon2(configViper *viper.Viper) Argon2Params {
	return Argon2Params{
		MemoryKiB:   configViper.GetUint32("auth.argon2.memory_kib"),
		Iterations:  configViper.GetUint32("auth.argon2.iterations"),
		Parallelism: uint8(configViper.GetUint("auth.argon2.parallelism")),
	}
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.BridgeAddress) == "" {
		return fmt.Errorf("bridge.address is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.SyncInterval <= 0 || c.SyncHealthInterval <= 0 || c.SyncHealthTimeout <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if c.SyncBackoffBase <= 0 || c.SyncBackoffMax < c.SyncBackoffBase {
		return fmt.Errorf("sync.backoff_max must be at least sync.backoff_base")
	}
	return validateArgon2(c.Argon2)
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl must be positive")
	}
	return validateArgon2(c.Argon2)
}

func validateArgon2(params Argon2Params) error {
	if params.MemoryKiB < 8*1024 {
		return fmt.Errorf("auth.argon2.memory_kib must be at least 8192")
	}
	if params.Iterations == 0 || params.Parallelism == 0 {
		return fmt.Errorf("auth.argon2 iterations and parallelism must be positive")
	}
	return nil
}

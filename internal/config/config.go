// Package config loads the server configuration from YAML, .env files and
// environment overrides
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Idempotency backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	} `yaml:"server"`
	Database struct {
		URL          string `yaml:"url"`
		MaxOpenConns int    `yaml:"max_open_conns"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Addon struct {
		Key           string        `yaml:"key"`
		PublicKeyFile string        `yaml:"public_key_file"`
		JWTLeeway     time.Duration `yaml:"jwt_leeway"`
		// InsecureAllowUnsigned accepts lifecycle and management calls
		// without a platform token. Local development only.
		InsecureAllowUnsigned bool `yaml:"insecure_allow_unsigned"`
	} `yaml:"addon"`
	Rules struct {
		ApplyChanges  bool          `yaml:"apply_changes"`
		CacheTTL      time.Duration `yaml:"cache_ttl"`
		ActionTimeout time.Duration `yaml:"action_timeout"`
	} `yaml:"rules"`
	Idempotency struct {
		Backend       string        `yaml:"backend"`
		TTL           time.Duration `yaml:"ttl"`
		PurgeEvery    time.Duration `yaml:"purge_every"`
		ShardCapacity int           `yaml:"shard_capacity"`
	} `yaml:"idempotency"`
	RateLimit struct {
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
		MaxWait           time.Duration `yaml:"max_wait"`
	} `yaml:"ratelimit"`
	Clockify struct {
		BaseURL    string        `yaml:"base_url"`
		MaxRetries uint64        `yaml:"max_retries"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"clockify"`
	Log struct {
		Level      string `yaml:"level"`
		SampleRate int    `yaml:"sample_rate"`
	} `yaml:"log"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Server.RequestTimeout = 60 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.MaxBodyBytes = 1 << 20
	cfg.Database.MaxOpenConns = 10
	cfg.Addon.Key = "timerules"
	cfg.Addon.JWTLeeway = 30 * time.Second
	cfg.Rules.ApplyChanges = true
	cfg.Rules.CacheTTL = 5 * time.Minute
	cfg.Rules.ActionTimeout = 10 * time.Second
	cfg.Idempotency.Backend = BackendMemory
	cfg.Idempotency.TTL = 10 * time.Minute
	cfg.Idempotency.PurgeEvery = time.Minute
	cfg.RateLimit.RequestsPerSecond = 50
	cfg.RateLimit.Burst = 50
	cfg.RateLimit.MaxWait = 2 * time.Second
	cfg.Clockify.MaxRetries = 3
	cfg.Clockify.Timeout = 10 * time.Second
	cfg.Log.Level = "INFO"
	cfg.Log.SampleRate = 1
	return cfg
}

// LoadEnvFiles loads .env files into the process environment. Missing files
// are ignored; variables already set win. A file that cannot be parsed is
// an error.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML file at path over the defaults, expanding ${VAR}
// references, then applies environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(file))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Server.Port)
	str("DATABASE_URL", &c.Database.URL)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("ADDON_KEY", &c.Addon.Key)
	str("ADDON_PUBLIC_KEY_FILE", &c.Addon.PublicKeyFile)
	str("LOG_LEVEL", &c.Log.Level)
	str("CLOCKIFY_BASE_URL", &c.Clockify.BaseURL)
	str("IDEMPOTENCY_BACKEND", &c.Idempotency.Backend)

	if v, ok := lookup("RULES_APPLY_CHANGES"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid RULES_APPLY_CHANGES %q: %w", v, err)
		}
		c.Rules.ApplyChanges = b
	}
	if v, ok := lookup("ADDON_INSECURE_ALLOW_UNSIGNED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ADDON_INSECURE_ALLOW_UNSIGNED %q: %w", v, err)
		}
		c.Addon.InsecureAllowUnsigned = b
	}
	if v, ok := lookup("IDEMPOTENCY_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid IDEMPOTENCY_TTL %q: %w", v, err)
		}
		c.Idempotency.TTL = d
	}
	return nil
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	} else if p, err := strconv.Atoi(c.Server.Port); err != nil || p <= 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("server.port %q is not a valid port", c.Server.Port))
	}
	if c.Addon.Key == "" {
		errs = append(errs, errors.New("addon.key is required"))
	}
	if c.Addon.PublicKeyFile == "" && !c.Addon.InsecureAllowUnsigned {
		errs = append(errs, errors.New("addon.public_key_file is required unless addon.insecure_allow_unsigned is set"))
	}

	c.Idempotency.Backend = strings.ToLower(strings.TrimSpace(c.Idempotency.Backend))
	switch c.Idempotency.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("idempotency.backend postgres requires database.url"))
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("idempotency.backend redis requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown idempotency.backend %q", c.Idempotency.Backend))
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("ratelimit values must not be negative"))
	}
	if c.Rules.CacheTTL < 0 || c.Rules.ActionTimeout < 0 {
		errs = append(errs, errors.New("rules durations must not be negative"))
	}
	return errors.Join(errs...)
}

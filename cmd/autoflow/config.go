package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/lock"
	"github.com/rendis/autoflow/internal/monitoring"
	"github.com/rendis/autoflow/internal/scheduler"
	"github.com/rendis/autoflow/internal/synthesis"
	"github.com/rendis/autoflow/pkg/schema"
)

const envPrefix = "AUTOFLOW_"

// Config holds all autoflow server configuration.
// Priority: env vars > YAML file > defaults.
type Config struct {
	Log       LogConfig                   `koanf:"log"`
	HTTP      HTTPConfig                  `koanf:"http"`
	Store     StoreConfig                 `koanf:"store"`
	Redis     RedisConfig                 `koanf:"redis"`
	Vault     VaultConfig                 `koanf:"vault"`
	Retry     engine.RetryPolicy          `koanf:"retry"`
	Breaker   engine.CircuitBreakerConfig `koanf:"breaker"`
	Sweeper   scheduler.SweeperConfig     `koanf:"sweeper"`
	Lock      lock.Config                 `koanf:"lock"`
	Synthesis synthesis.Config            `koanf:"synthesis"`
	Webhook   actions.WebhookConfig       `koanf:"webhook"`
	Relay     actions.RelayConfig         `koanf:"relay"`
	Metrics   monitoring.Config           `koanf:"metrics"`
	MCP       MCPConfig                   `koanf:"mcp"`
	Tenants   []TenantSeed                `koanf:"tenants"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json | text
}

type HTTPConfig struct {
	Addr    string `koanf:"addr"`
	BaseURL string `koanf:"base_url"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver   string `koanf:"driver"` // libsql | postgres
	Path     string `koanf:"path"`
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
}

// RedisConfig enables Redis-backed locks, timers and notifications when
// Addr is set.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type VaultConfig struct {
	Passphrase string `koanf:"passphrase"`
	Salt       string `koanf:"salt"`
}

type MCPConfig struct {
	// Stdio serves MCP over stdin/stdout in addition to SSE.
	Stdio bool `koanf:"stdio"`
}

// TenantSeed is upserted at startup.
type TenantSeed struct {
	ID       string          `koanf:"id"`
	Name     string          `koanf:"name"`
	Industry schema.Industry `koanf:"industry"`
}

func defaultConfig() Config {
	return Config{
		Log:       LogConfig{Level: "info", Format: "json"},
		HTTP:      HTTPConfig{Addr: ":4100"},
		Store:     StoreConfig{Driver: "libsql", Path: "autoflow.db"},
		Redis:     RedisConfig{Prefix: "autoflow:"},
		Retry:     engine.DefaultRetryPolicy(),
		Breaker:   engine.CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1},
		Sweeper:   scheduler.DefaultSweeperConfig(),
		Lock:      lock.DefaultConfig(),
		Synthesis: synthesis.DefaultConfig(),
		Metrics:   monitoring.DefaultConfig(),
	}
}

// loadConfig layers defaults, the optional YAML file at path and AUTOFLOW_*
// environment variables, then validates the result.
func loadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if err := k.Load(rawMap(raw), nil); err != nil {
			return Config{}, fmt.Errorf("apply config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return transformEnvKey(strings.TrimPrefix(key, envPrefix)), value
		},
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if cfg.HTTP.BaseURL == "" {
		cfg.HTTP.BaseURL = "http://localhost" + cfg.HTTP.Addr
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// transformEnvKey maps STORE_DRIVER to store.driver and
// SWEEPER_STALE_AFTER to sweeper.stale_after.
func transformEnvKey(s string) string {
	parts := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == '_' })
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	return parts[0] + "." + strings.Join(parts[1:], "_")
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "libsql":
		if c.Store.Path == "" {
			return schema.NewError(schema.ErrCodeConfiguration, "store.path is required for libsql")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return schema.NewError(schema.ErrCodeConfiguration, "store.dsn is required for postgres")
		}
	default:
		return schema.NewErrorf(schema.ErrCodeConfiguration, "store.driver must be libsql or postgres, got %q", c.Store.Driver)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return schema.NewErrorf(schema.ErrCodeConfiguration, "log.format must be json or text, got %q", c.Log.Format)
	}
	if c.Retry.MaxAttempts < 1 {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Factor < 1 {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "retry.factor must be at least 1, got %g", c.Retry.Factor)
	}
	if _, err := cron.ParseStandard(c.Sweeper.Spec); err != nil {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "sweeper.spec %q: %s", c.Sweeper.Spec, err.Error())
	}
	if c.Vault.Passphrase != "" && c.Vault.Salt == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "vault.salt is required with vault.passphrase")
	}
	for i, t := range c.Tenants {
		if t.ID == "" {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "tenants[%d].id is required", i)
		}
		if !t.Industry.Valid() {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "tenants[%d].industry %q is not supported", i, t.Industry)
		}
	}
	return nil
}

// rawMap is a koanf.Provider over an already parsed map.
type rawMap map[string]any

func (r rawMap) Read() (map[string]any, error) {
	return r, nil
}

func (r rawMap) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("ReadBytes not implemented")
}

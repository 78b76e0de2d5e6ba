package livetag

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/harunnryd/livetag/pkg/bus"
	"github.com/harunnryd/livetag/pkg/configutil"
	"github.com/harunnryd/livetag/pkg/pipeline"
	"github.com/harunnryd/livetag/pkg/reconcile"
	"github.com/harunnryd/livetag/pkg/store"
	"github.com/harunnryd/livetag/pkg/telemetry"
	"github.com/harunnryd/livetag/pkg/workerpool"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Pool          PoolConfig          `mapstructure:"pool"`
	Pipeline      pipeline.Config     `mapstructure:"pipeline"`
	Reconciler    ReconcilerConfig    `mapstructure:"reconciler"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Bus           bus.Config          `mapstructure:"bus"`
	Store         store.Config        `mapstructure:"store"`
	Telemetry     telemetry.Config    `mapstructure:"telemetry"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

type ServerConfig struct {
	Transport      string   `mapstructure:"transport"`
	ListenAddr     string   `mapstructure:"listen_addr"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	ReadBuffer     int      `mapstructure:"read_buffer"`
	SampleRate     int      `mapstructure:"sample_rate"`
	Channels       int      `mapstructure:"channels"`
	Language       string   `mapstructure:"language"`
	DrainTimeoutMS int      `mapstructure:"drain_timeout_ms"`
}

type PoolConfig struct {
	Size              int    `mapstructure:"size"`
	Checkout          string `mapstructure:"checkout"`
	CheckoutTimeoutMS int    `mapstructure:"checkout_timeout_ms"`
}

type ReconcilerConfig struct {
	// Fillers maps a canonical token to the spellings recognizers use for it.
	Fillers map[string][]string `mapstructure:"fillers"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	Recognizer VendorConfig `mapstructure:"recognizer"`
	Annotator  VendorConfig `mapstructure:"annotator"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	// HistogramSampleRate thins stage latency samples; counters are exact.
	HistogramSampleRate float64 `mapstructure:"histogram_sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "tcp")
	v.SetDefault("server.listen_addr", ":50007")
	v.SetDefault("server.ws_path", "/stream")
	v.SetDefault("server.read_buffer", 1024)
	v.SetDefault("server.sample_rate", 16000)
	v.SetDefault("server.channels", 1)
	v.SetDefault("server.language", "en-US")
	v.SetDefault("server.drain_timeout_ms", 20000)
	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.checkout", string(workerpool.PolicyFailFast))
	v.SetDefault("pool.checkout_timeout_ms", 0)
	v.SetDefault("pipeline.stage_buffer", 64)
	v.SetDefault("bus.subject_prefix", "livetag")
	v.SetDefault("bus.connect_timeout_ms", 2000)
	v.SetDefault("store.retention_days", 0)
	v.SetDefault("telemetry.sample_rate", 1.0)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.histogram_sample_rate", 1.0)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// LoadConfig reads a YAML file; an empty path yields the defaults, which
// still need vendor providers before they validate.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if len(cfg.Reconciler.Fillers) == 0 {
		cfg.Reconciler.Fillers = reconcile.DefaultFillers()
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Server.Transport)) {
	case "tcp", "websocket":
	default:
		return fmt.Errorf("server.transport must be tcp or websocket, got %q", c.Server.Transport)
	}
	if c.Pool.Size < 1 {
		return fmt.Errorf("pool.size must be >= 1, got %d", c.Pool.Size)
	}
	if _, err := workerpool.ParsePolicy(c.Pool.Checkout); err != nil {
		return fmt.Errorf("pool.checkout: %w", err)
	}
	if c.Pool.CheckoutTimeoutMS < 0 {
		return fmt.Errorf("pool.checkout_timeout_ms must be >= 0")
	}
	if err := configutil.RequireString(c.Vendors.Recognizer.Provider, "vendors.recognizer.provider"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Vendors.Annotator.Provider, "vendors.annotator.provider"); err != nil {
		return err
	}
	if c.Server.ReadBuffer < 1 {
		return fmt.Errorf("server.read_buffer must be >= 1")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0, 1]")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.Recognizer.Settings = expandSettings(cfg.Vendors.Recognizer.Settings)
	cfg.Vendors.Annotator.Settings = expandSettings(cfg.Vendors.Annotator.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return configutil.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = expandAny(item)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(configutil.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.String {
			for i := 0; i < v.Len(); i++ {
				expandValue(v.Index(i))
			}
		}
	}
}

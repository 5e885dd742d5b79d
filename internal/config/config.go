// Package config loads collector and agent settings from defaults, an
// optional YAML file, MSM_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// MSM_LIVENESS_OFFLINE_THRESHOLD=30s.
const EnvPrefix = "MSM"

type Config struct {
	NATS     NATS     `mapstructure:"nats"`
	Liveness Liveness `mapstructure:"liveness"`
	Ingest   Ingest   `mapstructure:"ingest"`
	Store    Store    `mapstructure:"store"`
	Persist  Persist  `mapstructure:"persist"`
	Query    Query    `mapstructure:"query"`
	HTTP     Listen   `mapstructure:"http"`
	GRPC     Listen   `mapstructure:"grpc"`
	Log      Log      `mapstructure:"log"`
	Tracing  Tracing  `mapstructure:"tracing"`
	Agent    Agent    `mapstructure:"agent"`
}

type NATS struct {
	URL     string `mapstructure:"url" validate:"required"`
	Subject string `mapstructure:"subject" validate:"required"`
	Name    string `mapstructure:"name" validate:"required"`
	// LastWillEvents turns broker disconnect advisories for agents into
	// offline announcements.
	LastWillEvents bool `mapstructure:"last_will_events"`
}

type Liveness struct {
	OfflineThreshold time.Duration `mapstructure:"offline_threshold" validate:"gt=0"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" validate:"gt=0,ltfield=OfflineThreshold"`
}

type Ingest struct {
	Workers   int `mapstructure:"workers" validate:"min=1"`
	QueueSize int `mapstructure:"queue_size" validate:"min=1"`
}

type Store struct {
	Driver string `mapstructure:"driver" validate:"oneof=badger postgres sqlite memory none"`
	Path   string `mapstructure:"path" validate:"required_if=Driver badger,required_if=Driver sqlite"`
	DSN    string `mapstructure:"dsn" validate:"required_if=Driver postgres"`
}

type Persist struct {
	Lanes          int           `mapstructure:"lanes" validate:"min=1"`
	QueueSize      int           `mapstructure:"queue_size" validate:"min=1"`
	BatchSize      int           `mapstructure:"batch_size" validate:"min=1"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout" validate:"gte=0"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout" validate:"gt=0"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" validate:"gt=0"`
	RetryBase      time.Duration `mapstructure:"retry_base" validate:"gt=0"`
	RetryMax       time.Duration `mapstructure:"retry_max" validate:"gtefield=RetryBase"`
}

type Query struct {
	HistoryWindow time.Duration `mapstructure:"history_window" validate:"gt=0"`
	HistoryLimit  int           `mapstructure:"history_limit" validate:"gte=0"`
}

type Listen struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type Tracing struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name" validate:"required"`
}

type Agent struct {
	MachineID string        `mapstructure:"machine_id"`
	IDFile    string        `mapstructure:"id_file" validate:"required"`
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
}

var defaults = map[string]any{
	"nats.url":                   "nats://127.0.0.1:4222",
	"nats.subject":               "machine_status.>",
	"nats.name":                  "machine-status-collector",
	"nats.last_will_events":      false,
	"liveness.offline_threshold": 60 * time.Second,
	"liveness.sweep_interval":    5 * time.Second,
	"ingest.workers":             4,
	"ingest.queue_size":          256,
	"store.driver":               "badger",
	"store.path":                 "./data/badger",
	"store.dsn":                  "",
	"persist.lanes":              4,
	"persist.queue_size":         1024,
	"persist.batch_size":         64,
	"persist.enqueue_timeout":    100 * time.Millisecond,
	"persist.query_timeout":      3 * time.Second,
	"persist.max_attempts":       5,
	"persist.attempt_timeout":    5 * time.Second,
	"persist.retry_base":         200 * time.Millisecond,
	"persist.retry_max":          5 * time.Second,
	"query.history_window":       time.Hour,
	"query.history_limit":        500,
	"http.addr":                  ":9090",
	"grpc.addr":                  ":50051",
	"log.level":                  "info",
	"log.format":                 "json",
	"tracing.enabled":            false,
	"tracing.service_name":       "machine-status-collector",
	"agent.machine_id":           "",
	"agent.id_file":              "/var/lib/machine-status/machine-id",
	"agent.interval":             60 * time.Second,
}

// New returns a viper instance with every default set and environment
// overrides enabled.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds flags to config keys. keys maps a flag name such as
// "offline-threshold" to its key, "liveness.offline_threshold".
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("bind flag %q: not defined", name)
		}
		if err := v.BindPFlag(keys[name], f); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}
	return nil
}

// Load reads file (if not empty), decodes everything into a Config and
// validates it.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("mapstructure"); name != "" {
			return name
		}
		return fld.Name
	})
	return v
}

// ErrInvalid matches every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "Config.liveness.sweep_interval"; drop the root.
		key := fe.Namespace()
		if i := strings.IndexByte(key, '.'); i >= 0 {
			key = key[i+1:]
		}
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, key+": "+msg)
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

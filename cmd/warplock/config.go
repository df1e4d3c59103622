package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "warplock"

// Config is the resolved CLI configuration. Every field can be set by flag or
// by a WARPLOCK_<FLAG> environment variable, optionally from .env files.
type Config struct {
	Backend       string `validate:"oneof=redis etcd memory"`
	RedisAddr     string `validate:"required_if=Backend redis"`
	RedisPassword string
	RedisDB       int      `validate:"gte=0"`
	EtcdEndpoints []string `validate:"required_if=Backend etcd,dive,required"`
	EtcdPrefix    string
	KafkaBrokers  []string `validate:"dive,hostname_port"`
	KafkaTopic    string
	NATSURL       string        `validate:"omitempty,url"`
	Poll          time.Duration `validate:"gt=0"`
	Timeout       time.Duration `validate:"gt=0"`
	LogLevel      string        `validate:"oneof=debug info warn error"`
	Trace         bool
	MetricsAddr   string `validate:"omitempty,hostname_port"`
}

// setupFlags adds the connection and telemetry flags shared by every command.
func setupFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("backend", "redis", "Store holding the locks (redis, etcd, memory)")
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database")
	f.String("etcd-endpoints", "localhost:2379", "Comma-separated list of etcd endpoints")
	f.String("etcd-prefix", "warplock/", "Key prefix for locks stored in etcd")
	f.String("nats-url", "", "NATS server used for release notifications")
	f.String("kafka-brokers", "", "Comma-separated Kafka brokers used for release notifications")
	f.String("kafka-topic", "warplock-releases", "Kafka topic carrying release notifications")
	f.Duration("poll", 200*time.Millisecond, "Delay between attempts on a busy lock")
	f.Duration("timeout", 5*time.Second, "Timeout of a single store operation")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.Bool("trace", false, "Print OpenTelemetry spans to stderr")
	f.String("metrics-addr", "", "Serve /metrics and the /watch release streams on this address while the command runs")
}

// loadEnvFiles loads .env and .env.local when present. Variables already set
// in the environment win.
func loadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// newViper binds the command's flags and the WARPLOCK_ environment.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	return v, nil
}

// loadConfig reads and validates the configuration.
func loadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Backend:       strings.ToLower(v.GetString("backend")),
		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),
		EtcdPrefix:    v.GetString("etcd-prefix"),
		KafkaTopic:    v.GetString("kafka-topic"),
		NATSURL:       v.GetString("nats-url"),
		Poll:          v.GetDuration("poll"),
		Timeout:       v.GetDuration("timeout"),
		LogLevel:      strings.ToLower(v.GetString("log-level")),
		Trace:         v.GetBool("trace"),
		MetricsAddr:   v.GetString("metrics-addr"),
	}
	cfg.EtcdEndpoints = splitList(v.GetString("etcd-endpoints"))
	cfg.KafkaBrokers = splitList(v.GetString("kafka-brokers"))
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) slogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

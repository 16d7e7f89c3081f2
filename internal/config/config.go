package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process configuration shared by all taskd binaries. Every key
// is independently overridable through the environment (TASKD_ prefix, dots
// replaced by underscores) or an optional config.yaml.
type Config struct {
	// Store is the SQLite DSN shared by all processes.
	StoreDSN string

	// NATS connection settings.
	NATSURL          string
	NATSName         string
	NATSMaxReconnect int
	NATSReconnectWait time.Duration
	NATSTimeout      time.Duration

	// Migration runner. Mode is one of "upgrade", "downgrade" or "generate";
	// the modes are mutually exclusive and resolved once at startup.
	MigrateMode     string
	MigrateTarget   string
	MigrateDesc     string
	MigrationsDir   string

	// Worker pool.
	WorkerQueues      []string
	WorkerConcurrency int
	WorkerGracePeriod time.Duration
	HandlerTimeout    time.Duration
	LeaseDuration     time.Duration
	MaxCPUPercent     float64
	MaxMemoryPercent  float64

	// Retry backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Queue defaults.
	DefaultQueue       string
	DefaultMaxAttempts int

	// Periodic scheduler.
	SchedulerTick time.Duration

	// API service.
	HTTPAddr            string
	HTTPShutdownTimeout time.Duration

	// SMTP relay for the email.send handler.
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.dsn", "taskd.db")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "taskd")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("migrate.mode", "upgrade")
	v.SetDefault("migrate.target", "")
	v.SetDefault("migrate.description", "")
	v.SetDefault("migrate.dir", "migrations")

	v.SetDefault("worker.queues", []string{"default"})
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.grace_period", 30*time.Second)
	v.SetDefault("worker.handler_timeout", time.Minute)
	v.SetDefault("worker.lease_duration", 30*time.Second)
	v.SetDefault("worker.max_cpu_percent", 90.0)
	v.SetDefault("worker.max_memory_percent", 90.0)

	v.SetDefault("backoff.base", time.Second)
	v.SetDefault("backoff.cap", 5*time.Minute)

	v.SetDefault("queue.default", "default")
	v.SetDefault("queue.max_attempts", 5)

	v.SetDefault("scheduler.tick", 15*time.Second)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("smtp.host", "localhost")
	v.SetDefault("smtp.port", 25)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "taskd@localhost")
}

// Load reads configuration from config.yaml (if present) and the environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; the environment and defaults apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("TASKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		StoreDSN: v.GetString("store.dsn"),

		NATSURL:           v.GetString("nats.url"),
		NATSName:          v.GetString("nats.name"),
		NATSMaxReconnect:  v.GetInt("nats.max_reconnects"),
		NATSReconnectWait: v.GetDuration("nats.reconnect_wait"),
		NATSTimeout:       v.GetDuration("nats.connect_timeout"),

		MigrateMode:   v.GetString("migrate.mode"),
		MigrateTarget: v.GetString("migrate.target"),
		MigrateDesc:   v.GetString("migrate.description"),
		MigrationsDir: v.GetString("migrate.dir"),

		WorkerQueues:      v.GetStringSlice("worker.queues"),
		WorkerConcurrency: v.GetInt("worker.concurrency"),
		WorkerGracePeriod: v.GetDuration("worker.grace_period"),
		HandlerTimeout:    v.GetDuration("worker.handler_timeout"),
		LeaseDuration:     v.GetDuration("worker.lease_duration"),
		MaxCPUPercent:     v.GetFloat64("worker.max_cpu_percent"),
		MaxMemoryPercent:  v.GetFloat64("worker.max_memory_percent"),

		BackoffBase: v.GetDuration("backoff.base"),
		BackoffCap:  v.GetDuration("backoff.cap"),

		DefaultQueue:       v.GetString("queue.default"),
		DefaultMaxAttempts: v.GetInt("queue.max_attempts"),

		SchedulerTick: v.GetDuration("scheduler.tick"),

		HTTPAddr:            v.GetString("http.addr"),
		HTTPShutdownTimeout: v.GetDuration("http.shutdown_timeout"),

		SMTPHost:     v.GetString("smtp.host"),
		SMTPPort:     v.GetInt("smtp.port"),
		SMTPUsername: v.GetString("smtp.username"),
		SMTPPassword: v.GetString("smtp.password"),
		SMTPFrom:     v.GetString("smtp.from"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.SchedulerTick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive, got %s", c.SchedulerTick)
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("invalid backoff window [%s, %s]", c.BackoffBase, c.BackoffCap)
	}
	return nil
}

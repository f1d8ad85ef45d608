package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/foreman/pkg/types"
)

// Supported database drivers
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Supported pool backends
const (
	PoolBackendSQL   = "sql"
	PoolBackendRedis = "redis"
)

// Config is the complete foreman configuration
type Config struct {
	DataDir       string `yaml:"data_dir"`
	RunDir        string `yaml:"run_dir"`
	CodeDir       string `yaml:"code_dir"`
	BundleDir     string `yaml:"bundle_dir"`
	SecretKeyFile string `yaml:"secret_key_file"`
	MetricsAddr   string `yaml:"metrics_addr"`

	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pool      PoolConfig      `yaml:"pool"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Log       LogConfig       `yaml:"log"`
	Status    StatusConfig    `yaml:"status"`
}

// DatabaseConfig selects the repository backend
type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	// LogSQL routes every statement to the debug log
	LogSQL bool `yaml:"log_sql"`
}

// SchedulerConfig tunes dispatch and supervision
type SchedulerConfig struct {
	Environment         types.WorkerEnvironment `yaml:"environment"`
	TickInterval        time.Duration           `yaml:"tick_interval"`
	MaxRunning          int                     `yaml:"max_running"`
	LaunchRate          float64                 `yaml:"launch_rate"`
	LaunchBurst         int                     `yaml:"launch_burst"`
	KillGrace           time.Duration           `yaml:"kill_grace"`
	HealthcheckInterval time.Duration           `yaml:"healthcheck_interval"`
	// RunnerBinary is exec'd by the local launcher; empty means this binary
	RunnerBinary string `yaml:"runner_binary"`
}

// PoolConfig configures the remote worker pool
type PoolConfig struct {
	Backend           string        `yaml:"backend"`
	RedisAddr         string        `yaml:"redis_addr"`
	RedisPassword     string        `yaml:"redis_password"`
	RedisDB           int           `yaml:"redis_db"`
	RedisPrefix       string        `yaml:"redis_prefix"`
	Slots             int           `yaml:"slots"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// ExecutorConfig locates the interpreters used by job executors
type ExecutorConfig struct {
	AnsiblePlaybook string        `yaml:"ansible_playbook"`
	Python          string        `yaml:"python"`
	VaultScript     string        `yaml:"vault_script"`
	VenvRoot        string        `yaml:"venv_root"`
	KillGrace       time.Duration `yaml:"kill_grace"`
}

// LogConfig configures pkg/log
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"`
}

// StatusConfig points at the status server receiving task events
type StatusConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataDir:     "/var/lib/foreman",
		RunDir:      "/var/lib/foreman/run",
		CodeDir:     "/usr/share/foreman",
		BundleDir:   "/var/lib/foreman/bundle",
		MetricsAddr: "127.0.0.1:9464",
		Database: DatabaseConfig{
			Driver: DriverSQLite,
		},
		Scheduler: SchedulerConfig{
			Environment:         types.EnvironmentLocal,
			TickInterval:        time.Second,
			KillGrace:           10 * time.Second,
			HealthcheckInterval: 60 * time.Second,
		},
		Pool: PoolConfig{
			Backend:           PoolBackendSQL,
			RedisPrefix:       "foreman",
			Slots:             4,
			HeartbeatInterval: 10 * time.Second,
			PollInterval:      time.Second,
		},
		Executor: ExecutorConfig{
			AnsiblePlaybook: "ansible-playbook",
			Python:          "python3",
			VenvRoot:        "/venv",
			KillGrace:       10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file,
// a .env file in the working directory and the process environment, in
// that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv never overrides variables already set in the environment
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.DataDir, "DATA_DIR")
	setString(&c.RunDir, "RUN_DIR")
	setString(&c.CodeDir, "CODE_DIR")
	setString(&c.BundleDir, "BUNDLE_DIR")
	setString(&c.Database.Driver, "FOREMAN_DB_DRIVER")
	setString(&c.Database.DSN, "FOREMAN_DB_DSN")
	setString(&c.Pool.Backend, "FOREMAN_POOL_BACKEND")
	setString(&c.Pool.RedisAddr, "FOREMAN_REDIS_ADDR")
	setString(&c.Pool.RedisPassword, "FOREMAN_REDIS_PASSWORD")
	setString(&c.Status.URL, "FOREMAN_STATUS_URL")
	setString(&c.Status.Token, "FOREMAN_STATUS_TOKEN")
	setString(&c.Log.Level, "FOREMAN_LOG_LEVEL")
	setString(&c.SecretKeyFile, "FOREMAN_SECRET_KEY_FILE")
	setString(&c.MetricsAddr, "FOREMAN_METRICS_ADDR")

	if v := os.Getenv("FOREMAN_ENVIRONMENT"); v != "" {
		c.Scheduler.Environment = types.WorkerEnvironment(v)
	}
	if v := os.Getenv("TASK_HEALTHCHECK_INTERVAL"); v != "" {
		d, err := ParseInterval(v)
		if err != nil {
			return fmt.Errorf("invalid TASK_HEALTHCHECK_INTERVAL: %w", err)
		}
		c.Scheduler.HealthcheckInterval = d
	}
	return nil
}

func (c *Config) fillDerived() {
	if c.SecretKeyFile == "" {
		c.SecretKeyFile = filepath.Join(c.DataDir, "secret.key")
	}
	if c.Database.Driver == DriverSQLite && c.Database.DSN == "" {
		c.Database.DSN = filepath.Join(c.DataDir, "foreman.db")
	}
}

// Validate rejects configurations the daemons cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverMySQL, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver != DriverSQLite && c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required for driver %q", c.Database.Driver)
	}
	switch c.Scheduler.Environment {
	case types.EnvironmentLocal, types.EnvironmentRemote:
	default:
		return fmt.Errorf("unsupported worker environment %q", c.Scheduler.Environment)
	}
	switch c.Pool.Backend {
	case PoolBackendSQL:
	case PoolBackendRedis:
		if c.Pool.RedisAddr == "" {
			return fmt.Errorf("redis pool backend requires redis_addr")
		}
	default:
		return fmt.Errorf("unsupported pool backend %q", c.Pool.Backend)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler tick interval must be positive")
	}
	if c.Scheduler.HealthcheckInterval <= 0 {
		return fmt.Errorf("healthcheck interval must be positive")
	}
	if c.Pool.HeartbeatInterval <= 0 {
		return fmt.Errorf("pool heartbeat interval must be positive")
	}
	if c.Scheduler.MaxRunning < 0 {
		return fmt.Errorf("max running must not be negative")
	}
	return nil
}

// ParseInterval accepts plain seconds ("60") or a Go duration ("1m")
func ParseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("interval must be positive, got %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %s", d)
	}
	return d, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

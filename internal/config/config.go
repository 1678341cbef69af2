package config

import (
	"fmt"
	"time"

	"db-sync-service/internal/models"
)

type AppConfig struct {
	Server     ServerConfig       `envPrefix:"SERVER_"`
	Log        LogConfig          `envPrefix:"LOG_"`
	Sync       SyncConfig         `envPrefix:"SYNC_"`
	Connection ConnectionSettings `envPrefix:"CONNECTION_"`
	Preview    PreviewConfig      `envPrefix:"PREVIEW_"`
	Jobs       JobsConfig         `envPrefix:"JOBS_"`
	SourceDB   DatabaseConfig     `envPrefix:"SOURCE_DB_"`
	TargetDB   DatabaseConfig     `envPrefix:"TARGET_DB_"`
}

type ServerConfig struct {
	Port              string        `env:"PORT" envDefault:"8080"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

type LogConfig struct {
	Level       string `env:"LEVEL" envDefault:"info"`
	Development bool   `env:"DEVELOPMENT" envDefault:"false"`
}

type SyncConfig struct {
	BatchSize int `env:"BATCH_SIZE" envDefault:"100"`

	// Workers bounds how many jobs run at once, independent of HTTP concurrency.
	Workers int `env:"WORKERS" envDefault:"4"`

	MaxRetries   int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryBackoff time.Duration `env:"RETRY_BACKOFF" envDefault:"200ms"`
	QueryTimeout time.Duration `env:"QUERY_TIMEOUT" envDefault:"30s"`

	Direction string `env:"DIRECTION" envDefault:"source_to_target"`

	// Schedule is a cron expression; empty disables scheduled syncs.
	Schedule string   `env:"SCHEDULE" envDefault:""`
	Tables   []string `env:"TABLES" envSeparator:","`
}

type ConnectionSettings struct {
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT" envDefault:"15m"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	ConnectAttempts   int           `env:"CONNECT_ATTEMPTS" envDefault:"3"`
	ConnectRetryDelay time.Duration `env:"CONNECT_RETRY_DELAY" envDefault:"1s"`
	PingTimeout       time.Duration `env:"PING_TIMEOUT" envDefault:"10s"`
	MaxOpenConns      int           `env:"MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns      int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
	DefaultDriver     string        `env:"DEFAULT_DRIVER" envDefault:"postgres"`
}

type PreviewConfig struct {
	DefaultLimit int `env:"DEFAULT_LIMIT" envDefault:"50"`
	MaxLimit     int `env:"MAX_LIMIT" envDefault:"500"`
}

type JobsConfig struct {
	// Retention is the number of finished jobs kept in memory per table.
	Retention   int    `env:"RETENTION" envDefault:"10"`
	HistoryPath string `env:"HISTORY_PATH" envDefault:""`
}

// DatabaseConfig is an optional connection opened at startup.
type DatabaseConfig struct {
	Driver   string `env:"DRIVER" envDefault:""`
	Host     string `env:"HOST" envDefault:""`
	Port     string `env:"PORT" envDefault:""`
	User     string `env:"USER" envDefault:""`
	Password string `env:"PASSWORD" envDefault:""`
	Name     string `env:"NAME" envDefault:""`
}

// Enabled reports whether the bootstrap connection was configured.
func (c DatabaseConfig) Enabled() bool {
	return c.Host != "" || c.Name != ""
}

// ConnectionConfig converts the env settings into a validated config.
func (c DatabaseConfig) ConnectionConfig(role models.Role, fallback models.Driver) (models.ConnectionConfig, error) {
	driver, err := models.ParseDriver(c.Driver, fallback)
	if err != nil {
		return models.ConnectionConfig{}, err
	}
	return models.NewConnectionConfig(role, driver, c.Host, c.Port, c.User, c.Password, c.Name)
}

// Validate rejects settings the services cannot run with.
func (c *AppConfig) Validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("SYNC_WORKERS must be positive, got %d", c.Sync.Workers)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must not be negative, got %d", c.Sync.MaxRetries)
	}
	if _, err := models.ParseDirection(c.Sync.Direction, models.DirectionSourceToTarget); err != nil {
		return err
	}
	if _, err := models.ParseDriver(c.Connection.DefaultDriver, models.DriverPostgres); err != nil {
		return err
	}
	if c.Preview.DefaultLimit <= 0 || c.Preview.MaxLimit <= 0 {
		return fmt.Errorf("preview limits must be positive")
	}
	if c.Preview.DefaultLimit > c.Preview.MaxLimit {
		return fmt.Errorf("PREVIEW_DEFAULT_LIMIT %d exceeds PREVIEW_MAX_LIMIT %d", c.Preview.DefaultLimit, c.Preview.MaxLimit)
	}
	if c.Jobs.Retention < 0 {
		return fmt.Errorf("JOBS_RETENTION must not be negative, got %d", c.Jobs.Retention)
	}
	return nil
}

// Default returns the configuration with every envDefault applied. Tests and
// embedders start from it instead of the environment.
func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{Port: "8080", ReadHeaderTimeout: 5 * time.Second, ShutdownTimeout: 15 * time.Second},
		Log:    LogConfig{Level: "info"},
		Sync: SyncConfig{
			BatchSize:    100,
			Workers:      4,
			MaxRetries:   3,
			RetryBackoff: 200 * time.Millisecond,
			QueryTimeout: 30 * time.Second,
			Direction:    string(models.DirectionSourceToTarget),
		},
		Connection: ConnectionSettings{
			IdleTimeout:       15 * time.Minute,
			SweepInterval:     time.Minute,
			ConnectAttempts:   3,
			ConnectRetryDelay: time.Second,
			PingTimeout:       10 * time.Second,
			MaxOpenConns:      10,
			MaxIdleConns:      5,
			DefaultDriver:     string(models.DriverPostgres),
		},
		Preview: PreviewConfig{DefaultLimit: 50, MaxLimit: 500},
		Jobs:    JobsConfig{Retention: 10},
	}
}

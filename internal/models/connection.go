package models

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Role is the logical side of a synchronization pair.
type Role string

const (
	RoleSource Role = "source"
	RoleTarget Role = "target"
)

// Roles lists both roles in a stable order.
var Roles = []Role{RoleSource, RoleTarget}

func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleSource:
		return RoleSource, nil
	case RoleTarget:
		return RoleTarget, nil
	}
	return "", &ValidationError{Field: "type", Reason: "you must provide type (source/target)"}
}

// Driver names the database engine behind a connection.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"
)

func ParseDriver(value string, fallback Driver) (Driver, error) {
	switch Driver(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return fallback, nil
	case DriverPostgres, "postgresql", "pgx":
		return DriverPostgres, nil
	case DriverMySQL:
		return DriverMySQL, nil
	case DriverSQLite, "sqlite3":
		return DriverSQLite, nil
	}
	return "", &ValidationError{Field: "driver", Reason: fmt.Sprintf("unsupported driver %q", value)}
}

// Secret holds a password. It never prints or serializes its value.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "******"
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Reveal returns the raw secret for building a DSN.
func (s Secret) Reveal() string {
	return string(s)
}

// ConnectionConfig describes one database endpoint. Values are immutable once
// a connection has been established from them.
type ConnectionConfig struct {
	Role     Role   `json:"role"`
	Driver   Driver `json:"driver"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password Secret `json:"password"`
	Database string `json:"database"`
}

// NewConnectionConfig builds and validates a config from the raw strings a
// client submits. The port arrives as text and is parsed here.
func NewConnectionConfig(role Role, driver Driver, host, port, user, password, database string) (ConnectionConfig, error) {
	cfg := ConnectionConfig{
		Role:     role,
		Driver:   driver,
		Host:     strings.TrimSpace(host),
		User:     strings.TrimSpace(user),
		Password: Secret(password),
		Database: strings.TrimSpace(database),
	}
	port = strings.TrimSpace(port)
	if driver == DriverSQLite {
		if port != "" {
			parsed, err := parsePort(port)
			if err != nil {
				return ConnectionConfig{}, err
			}
			cfg.Port = parsed
		}
		return cfg, cfg.Validate()
	}
	if port == "" {
		return ConnectionConfig{}, &ValidationError{Field: "port", Reason: "is required"}
	}
	parsed, err := parsePort(port)
	if err != nil {
		return ConnectionConfig{}, err
	}
	cfg.Port = parsed
	return cfg, cfg.Validate()
}

func parsePort(value string) (int, error) {
	port, err := strconv.Atoi(value)
	if err != nil {
		return 0, &ValidationError{Field: "port", Reason: fmt.Sprintf("%q is not a number", value)}
	}
	if port < 1 || port > 65535 {
		return 0, &ValidationError{Field: "port", Reason: fmt.Sprintf("%d is out of range 1-65535", port)}
	}
	return port, nil
}

// Validate checks that every field a network driver needs is present. SQLite
// only needs a database path.
func (c ConnectionConfig) Validate() error {
	if c.Role != RoleSource && c.Role != RoleTarget {
		return &ValidationError{Field: "type", Reason: "you must provide type (source/target)"}
	}
	switch c.Driver {
	case DriverPostgres, DriverMySQL:
	case DriverSQLite:
		if c.Database == "" {
			return &ValidationError{Field: "database", Reason: "is required"}
		}
		return nil
	default:
		return &ValidationError{Field: "driver", Reason: fmt.Sprintf("unsupported driver %q", c.Driver)}
	}
	required := []struct {
		field string
		value string
	}{
		{"host", c.Host},
		{"user", c.User},
		{"password", c.Password.Reveal()},
		{"database", c.Database},
	}
	for _, r := range required {
		if r.value == "" {
			return &ValidationError{Field: r.field, Reason: "is required"}
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		return &ValidationError{Field: "port", Reason: fmt.Sprintf("%d is out of range 1-65535", c.Port)}
	}
	return nil
}

func (c ConnectionConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c ConnectionConfig) String() string {
	if c.Driver == DriverSQLite {
		return fmt.Sprintf("sqlite:%s (%s)", c.Database, c.Role)
	}
	return fmt.Sprintf("%s://%s@%s/%s (%s)", c.Driver, c.User, c.Address(), c.Database, c.Role)
}

package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewConnectionConfigRejectsBadPort(t *testing.T) {
	for _, port := range []string{"abc", "0", "70000", "", "-1"} {
		_, err := NewConnectionConfig(RoleSource, DriverPostgres, "localhost", port, "app", "secret", "shop")
		var validation *ValidationError
		if !errors.As(err, &validation) {
			t.Fatalf("port %q: expected ValidationError, got %v", port, err)
		}
		if validation.Field != "port" {
			t.Fatalf("port %q: field: got %q", port, validation.Field)
		}
	}
}

func TestNewConnectionConfigRequiresEveryField(t *testing.T) {
	cases := map[string][]string{
		"host":     {"", "5432", "app", "secret", "shop"},
		"user":     {"localhost", "5432", "", "secret", "shop"},
		"password": {"localhost", "5432", "app", "", "shop"},
		"database": {"localhost", "5432", "app", "secret", ""},
	}
	for field, args := range cases {
		_, err := NewConnectionConfig(RoleTarget, DriverMySQL, args[0], args[1], args[2], args[3], args[4])
		var validation *ValidationError
		if !errors.As(err, &validation) || validation.Field != field {
			t.Fatalf("missing %s: got %v", field, err)
		}
	}
}

func TestNewConnectionConfigSQLiteNeedsOnlyDatabase(t *testing.T) {
	cfg, err := NewConnectionConfig(RoleSource, DriverSQLite, "", "", "", "", "/tmp/source.db")
	if err != nil {
		t.Fatalf("sqlite config: %v", err)
	}
	if cfg.Database != "/tmp/source.db" {
		t.Fatalf("database: got %q", cfg.Database)
	}
	if _, err := NewConnectionConfig(RoleSource, DriverSQLite, "", "", "", "", ""); err == nil {
		t.Fatalf("sqlite without database should fail")
	}
}

func TestConnectionConfigRedactsPassword(t *testing.T) {
	cfg, err := NewConnectionConfig(RoleSource, DriverPostgres, "db", "5432", "app", "hunter2", "shop")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Port != 5432 {
		t.Fatalf("port: got %d", cfg.Port)
	}
	if strings.Contains(cfg.String(), "hunter2") {
		t.Fatalf("String leaks password: %s", cfg)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Fatalf("JSON leaks password: %s", data)
	}
	if cfg.Password.Reveal() != "hunter2" {
		t.Fatalf("Reveal: got %q", cfg.Password.Reveal())
	}
}

func TestParseDriverAliases(t *testing.T) {
	cases := map[string]Driver{
		"":           DriverMySQL,
		"postgresql": DriverPostgres,
		"PGX":        DriverPostgres,
		"mysql":      DriverMySQL,
		"sqlite3":    DriverSQLite,
	}
	for input, want := range cases {
		got, err := ParseDriver(input, DriverMySQL)
		if err != nil {
			t.Fatalf("ParseDriver(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseDriver(%q): got %s, want %s", input, got, want)
		}
	}
	if _, err := ParseDriver("oracle", DriverPostgres); err == nil {
		t.Fatalf("unknown driver should fail")
	}
}

func TestParseRole(t *testing.T) {
	if role, err := ParseRole(" Source "); err != nil || role != RoleSource {
		t.Fatalf("ParseRole: got %q, %v", role, err)
	}
	if _, err := ParseRole("backup"); ErrorKind(err) != "validation" {
		t.Fatalf("unknown role: got %v", err)
	}
}

// Package config loads calsync settings from an optional TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"calsync/internal/models"
)

// Config is the full application configuration.
type Config struct {
	LogLevel  string          `toml:"log_level"`
	Database  DatabaseConfig  `toml:"database"`
	Sync      SyncConfig      `toml:"sync"`
	HTTP      HTTPConfig      `toml:"http"`
	Google    GoogleConfig    `toml:"google"`
	Microsoft MicrosoftConfig `toml:"microsoft"`
	ICloud    ICloudConfig    `toml:"icloud"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type SyncConfig struct {
	IntervalSeconds  int      `toml:"interval_seconds"`
	LookAheadDays    int      `toml:"look_ahead_days"`
	Timezone         string   `toml:"timezone"`
	PropagateDeletes bool     `toml:"propagate_deletes"`
	Providers        []string `toml:"providers"`
}

type HTTPConfig struct {
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
}

type GoogleConfig struct {
	ClientID        string `toml:"client_id"`
	ClientSecret    string `toml:"client_secret"`
	CredentialsFile string `toml:"credentials_file"`
	TokenFile       string `toml:"token_file"`
	CalendarID      string `toml:"calendar_id"`
}

type MicrosoftConfig struct {
	TenantID     string `toml:"tenant_id"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	UserID       string `toml:"user_id"`
}

type ICloudConfig struct {
	Username     string `toml:"username"`
	Password     string `toml:"app_specific_password"`
	CalendarName string `toml:"calendar_name"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Database: DatabaseConfig{Path: "calsync.db"},
		Sync: SyncConfig{
			IntervalSeconds:  300,
			LookAheadDays:    7,
			Timezone:         "UTC",
			PropagateDeletes: true,
			Providers:        []string{string(models.ProviderGoogle), string(models.ProviderMicrosoft)},
		},
		HTTP: HTTPConfig{Addr: ":8080", CORSOrigins: []string{"*"}},
		Google: GoogleConfig{
			CredentialsFile: "credentials.json",
			TokenFile:       "token-google.json",
			CalendarID:      "primary",
		},
		ICloud: ICloudConfig{CalendarName: "Calendar"},
	}
}

// Load builds the configuration from defaults, the TOML file at path (if any)
// and environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
func (c *Config) ApplyEnvOverrides() error {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	setList := func(dst *[]string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = splitList(v)
		}
	}

	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Database.Path, "CALSYNC_DB_PATH")

	if err := setInt(&c.Sync.IntervalSeconds, "CALSYNC_SYNC_INTERVAL"); err != nil {
		return err
	}
	if err := setInt(&c.Sync.LookAheadDays, "CALSYNC_LOOKAHEAD_DAYS"); err != nil {
		return err
	}
	setString(&c.Sync.Timezone, "PRIMARY_TIMEZONE")
	if v := os.Getenv("CALSYNC_PROPAGATE_DELETES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CALSYNC_PROPAGATE_DELETES: %w", err)
		}
		c.Sync.PropagateDeletes = b
	}
	setList(&c.Sync.Providers, "CALSYNC_PROVIDERS")

	setString(&c.HTTP.Addr, "CALSYNC_HTTP_ADDR")
	setList(&c.HTTP.CORSOrigins, "CALSYNC_CORS_ORIGINS")

	setString(&c.Google.ClientID, "GOOGLE_CLIENT_ID")
	setString(&c.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&c.Google.CredentialsFile, "GOOGLE_CREDENTIALS_FILE")
	setString(&c.Google.TokenFile, "GOOGLE_TOKEN_FILE")
	setString(&c.Google.CalendarID, "GOOGLE_CALENDAR_ID")

	setString(&c.Microsoft.TenantID, "MICROSOFT_TENANT_ID")
	setString(&c.Microsoft.ClientID, "MICROSOFT_CLIENT_ID")
	setString(&c.Microsoft.ClientSecret, "MICROSOFT_CLIENT_SECRET")
	setString(&c.Microsoft.UserID, "MICROSOFT_USER_ID")

	setString(&c.ICloud.Username, "ICLOUD_USERNAME")
	setString(&c.ICloud.Password, "ICLOUD_APP_SPECIFIC_PASSWORD")
	setString(&c.ICloud.CalendarName, "ICLOUD_CALENDAR_NAME")
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.Sync.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("sync interval must be positive, got %d", c.Sync.IntervalSeconds))
	}
	if c.Sync.LookAheadDays <= 0 || c.Sync.LookAheadDays > 365 {
		errs = append(errs, fmt.Errorf("look-ahead days must be between 1 and 365, got %d", c.Sync.LookAheadDays))
	}
	if _, err := time.LoadLocation(c.Sync.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone '%s': %w", c.Sync.Timezone, err))
	}
	if len(c.Sync.Providers) == 0 {
		errs = append(errs, errors.New("at least one provider must be enabled"))
	}
	seen := make(map[string]bool)
	for _, p := range c.Sync.Providers {
		switch models.Provider(p) {
		case models.ProviderGoogle, models.ProviderMicrosoft, models.ProviderICloud:
		default:
			errs = append(errs, fmt.Errorf("unknown provider %q", p))
		}
		if seen[p] {
			errs = append(errs, fmt.Errorf("provider %q listed twice", p))
		}
		seen[p] = true
	}
	return errors.Join(errs...)
}

// Interval is the pause between scheduled cycles.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// Location is the zone anchoring the look-ahead window.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Sync.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Enabled reports whether p is in the provider list.
func (c *Config) Enabled(p models.Provider) bool {
	for _, name := range c.Sync.Providers {
		if models.Provider(name) == p {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

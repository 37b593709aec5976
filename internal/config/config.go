// Package config loads and validates service configuration from a YAML file
// with ${VAR} environment substitution. Secrets (database password, geocoder
// token) reach the file through the environment, optionally via a .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/couchcryptid/uscrn-ingest/internal/domain"
)

// Config holds all service settings.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Source    SourceConfig    `yaml:"source"`
	Locations LocationFilter  `yaml:"locations"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Geocoder  GeocoderConfig  `yaml:"geocoder"`
	Events    EventsConfig    `yaml:"events"`
}

// DatabaseConfig carries PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Name           string `yaml:"name"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	MaxConnections int    `yaml:"max_connections"`
}

// URL renders the pgx connection string.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(d.User), url.QueryEscape(d.Password), d.Host, d.Port, d.Name)
}

// SchedulerConfig controls cycle timing.
type SchedulerConfig struct {
	IntervalMinutes     int `yaml:"interval_minutes"`
	InitialDelaySeconds int `yaml:"initial_delay_seconds"`
}

func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

func (s SchedulerConfig) InitialDelay() time.Duration {
	return time.Duration(s.InitialDelaySeconds) * time.Second
}

// SourceConfig describes the remote archive. RequestDelayMS is a pointer so
// an explicit 0 (no inter-file delay) is distinguishable from unset.
type SourceConfig struct {
	BaseURL               string        `yaml:"base_url"`
	Years                 YearSelection `yaml:"years"`
	RequestDelayMS        *int          `yaml:"request_delay_ms"`
	ParseFailureThreshold float64       `yaml:"parse_failure_threshold"`
}

func (s SourceConfig) RequestDelay() time.Duration {
	if s.RequestDelayMS == nil {
		return 0
	}
	return time.Duration(*s.RequestDelayMS) * time.Millisecond
}

// HTTPConfig configures the operational HTTP endpoint.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig selects slog level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GeocoderConfig enables station coordinate enrichment. The token comes from
// the MAPBOX_TOKEN environment variable; setting it enables the geocoder
// unless `enabled: false` is explicit in the file.
type GeocoderConfig struct {
	Enabled   *bool         `yaml:"enabled"`
	Token     string        `yaml:"-"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size"`
}

// IsEnabled resolves the explicit flag against token presence.
func (g GeocoderConfig) IsEnabled() bool {
	if g.Enabled != nil {
		return *g.Enabled
	}
	return g.Token != ""
}

// EventsConfig enables the optional provenance event stream. Empty brokers
// means disabled.
type EventsConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

func (e EventsConfig) IsEnabled() bool { return len(e.Brokers) > 0 }

// YearSelection is either a keyword ("current", "all") or an explicit year
// list. Resolve turns it into concrete years; "all" is resolved against the
// archive's own directory listing by the scheduler.
type YearSelection struct {
	Keyword string
	Years   []int
}

// Keywords accepted by YearSelection.
const (
	YearsCurrent = "current"
	YearsAll     = "all"
)

// UnmarshalYAML accepts both forms:
//
//	years: current
//	years: [2023, 2024]
func (y *YearSelection) UnmarshalYAML(b []byte) error {
	var keyword string
	if err := yaml.Unmarshal(b, &keyword); err == nil {
		if keyword != YearsCurrent && keyword != YearsAll {
			return fmt.Errorf("years keyword must be %q or %q, got %q", YearsCurrent, YearsAll, keyword)
		}
		*y = YearSelection{Keyword: keyword}
		return nil
	}

	var years []int
	if err := yaml.Unmarshal(b, &years); err != nil {
		return fmt.Errorf("years must be a keyword or a list of years: %w", err)
	}
	*y = YearSelection{Years: years}
	return nil
}

// Resolve produces the concrete year list for one cycle. For the "all"
// keyword the caller passes the years discovered in the archive; for
// "current" and explicit lists the discovered set is ignored.
func (y YearSelection) Resolve(now time.Time, discovered []int) []int {
	switch {
	case len(y.Years) > 0:
		return y.Years
	case y.Keyword == YearsAll:
		return discovered
	default:
		return []int{now.UTC().Year()}
	}
}

// NeedsDiscovery reports whether Resolve requires the archive year listing.
func (y YearSelection) NeedsDiscovery() bool {
	return len(y.Years) == 0 && y.Keyword == YearsAll
}

// LocationFilter restricts which stations are ingested. An empty filter
// matches everything. State and pattern predicates apply to file names before
// download; the station predicate can only apply after a file's content is
// parsed, because WBANNO does not appear in file names.
type LocationFilter struct {
	States   []string `yaml:"states"`
	Stations []int    `yaml:"stations"`
	Patterns []string `yaml:"patterns"`
}

func (f *LocationFilter) IsEmpty() bool {
	return len(f.States) == 0 && len(f.Stations) == 0 && len(f.Patterns) == 0
}

// MatchesFile applies the file-name-level predicates. When only the station
// predicate is configured every file passes, since membership can only be
// decided after parsing.
func (f *LocationFilter) MatchesFile(name string) bool {
	if f.IsEmpty() {
		return true
	}
	if len(f.States) == 0 && len(f.Patterns) == 0 {
		return true
	}

	if state := domain.StateFromFileName(name); state != "" {
		for _, s := range f.States {
			if strings.EqualFold(s, state) {
				return true
			}
		}
	}

	for _, pattern := range f.Patterns {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}

	return false
}

// MatchesStation applies the station-id predicate.
func (f *LocationFilter) MatchesStation(wbanno int) bool {
	if len(f.Stations) == 0 {
		return true
	}
	for _, s := range f.Stations {
		if s == wbanno {
			return true
		}
	}
	return false
}

// Defaults applied where the file is silent.
const (
	defaultPort             = 5432
	defaultMaxConnections   = 5
	defaultInitialDelay     = 10
	defaultRequestDelayMS   = 500
	defaultHTTPAddr         = ":8080"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultGeocodeTimeout   = 5 * time.Second
	defaultGeocodeCache     = 1000
	defaultEventsTopic      = "uscrn-file-events"
	defaultFailureThreshold = domain.DefaultFailureThreshold
)

// Load reads, env-expands, decodes, defaults, and validates the YAML file at
// path. A .env file in the working directory is honored when present.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load(".env")

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded, err := expandEnv(string(raw))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.Geocoder.Token = os.Getenv("MAPBOX_TOKEN")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Port == 0 {
		c.Database.Port = defaultPort
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = defaultMaxConnections
	}
	if c.Scheduler.InitialDelaySeconds == 0 {
		c.Scheduler.InitialDelaySeconds = defaultInitialDelay
	}
	if c.Source.RequestDelayMS == nil {
		delay := defaultRequestDelayMS
		c.Source.RequestDelayMS = &delay
	}
	if c.Source.ParseFailureThreshold == 0 {
		c.Source.ParseFailureThreshold = defaultFailureThreshold
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = defaultHTTPAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
	if c.Geocoder.Timeout == 0 {
		c.Geocoder.Timeout = defaultGeocodeTimeout
	}
	if c.Geocoder.CacheSize == 0 {
		c.Geocoder.CacheSize = defaultGeocodeCache
	}
	if c.Events.Topic == "" {
		c.Events.Topic = defaultEventsTopic
	}
}

func (c *Config) validate() error {
	if c.Database.Host == "" {
		return errors.New("database host is required")
	}
	if c.Database.Name == "" {
		return errors.New("database name is required")
	}
	if c.Database.User == "" {
		return errors.New("database user is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database port %d out of range", c.Database.Port)
	}
	if c.Database.MaxConnections < 1 || c.Database.MaxConnections > 100 {
		return fmt.Errorf("database max_connections %d out of range (1-100)", c.Database.MaxConnections)
	}

	if c.Scheduler.IntervalMinutes <= 0 {
		return errors.New("scheduler interval_minutes must be greater than 0")
	}
	if c.Scheduler.InitialDelaySeconds < 0 {
		return errors.New("scheduler initial_delay_seconds cannot be negative")
	}

	u, err := url.Parse(c.Source.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid source base_url %q: %w", c.Source.BaseURL, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("source base_url must use https, got %q", u.Scheme)
	}
	if *c.Source.RequestDelayMS < 0 {
		return errors.New("source request_delay_ms cannot be negative")
	}
	if c.Source.ParseFailureThreshold < 0 || c.Source.ParseFailureThreshold > 1 {
		return fmt.Errorf("source parse_failure_threshold %v out of range (0-1)", c.Source.ParseFailureThreshold)
	}

	for _, state := range c.Locations.States {
		if len(state) != 2 {
			return fmt.Errorf("state code %q must be exactly 2 characters", state)
		}
	}
	for _, pattern := range c.Locations.Patterns {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid location pattern %q: %w", pattern, err)
		}
	}

	if c.Geocoder.IsEnabled() && c.Geocoder.Token == "" {
		return errors.New("geocoder is enabled but MAPBOX_TOKEN is not set")
	}
	if c.Events.IsEnabled() && c.Events.Topic == "" {
		return errors.New("events brokers are set but topic is empty")
	}

	return nil
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv substitutes ${VAR} references with environment values and fails
// on any unset variable so a misconfigured secret surfaces at startup instead
// of as a bad connection string.
func expandEnv(content string) (string, error) {
	var missing []string

	expanded := envVarRe.ReplaceAllStringFunc(content, func(ref string) string {
		name := ref[2 : len(ref)-1]
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return value
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return expanded, nil
}

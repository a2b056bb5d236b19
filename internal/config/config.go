package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"biblio/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Google     GoogleConfig     `yaml:"google"`
	Venue      VenueConfig      `yaml:"venue"`
	Engine     EngineConfig     `yaml:"engine"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Captcha    CaptchaConfig    `yaml:"captcha"`
	Priorities PrioritiesConfig `yaml:"priorities"`
	Reports    ReportsConfig    `yaml:"reports"`
	Backup     BackupConfig     `yaml:"backup"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type TelegramConfig struct {
	BotToken string  `yaml:"bot_token"`
	Debug    bool    `yaml:"debug"`
	SendRPS  float64 `yaml:"send_rps"`
}

type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver   string         `yaml:"driver"`
	Path     string         `yaml:"path"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	DBName         string `yaml:"dbname"`
	SSLMode        string `yaml:"sslmode"`
	MaxConnections int    `yaml:"max_connections"`
}

// DSN builds a libpq style connection URL.
func (p PostgresConfig) DSN() string {
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, sslMode)
	if p.MaxConnections > 0 {
		dsn += fmt.Sprintf("&pool_max_conns=%d", p.MaxConnections)
	}
	return dsn
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type GoogleConfig struct {
	CredentialsFile         string `yaml:"credentials_file"`
	PrioritiesSpreadsheetID string `yaml:"priorities_spreadsheet_id"`
	PrioritiesRange         string `yaml:"priorities_range"`
}

// HoursRange is an opening window in whole hours, both ends inclusive of the hour label.
type HoursRange struct {
	Open  int `yaml:"open"`
	Close int `yaml:"close"`
}

type VenueConfig struct {
	Timezone    string                `yaml:"timezone"`
	OpeningHour int                   `yaml:"opening_hour"`
	Hours       map[string]HoursRange `yaml:"hours"`
}

// Location resolves the venue timezone.
func (v VenueConfig) Location() (*time.Location, error) {
	name := v.Timezone
	if name == "" {
		name = models.DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

// HoursFor returns the configured window for a weekday.
func (v VenueConfig) HoursFor(day time.Weekday) (HoursRange, bool) {
	h, ok := v.Hours[strings.ToLower(day.String())]
	return h, ok
}

type TimeoutConfig struct {
	Base    time.Duration `yaml:"base"`
	Step    time.Duration `yaml:"step"`
	Max     time.Duration `yaml:"max"`
	Connect time.Duration `yaml:"connect"`
	Write   time.Duration `yaml:"write"`
}

type ConfirmConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	Step      time.Duration `yaml:"step"`
}

type EngineConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	RetryCeiling   int           `yaml:"retry_ceiling"`
	NotifyEvery    int           `yaml:"notify_every"`
	StalenessGrace time.Duration `yaml:"staleness_grace"`
	Pacing         time.Duration `yaml:"pacing"`
	ClaimLimit     int           `yaml:"claim_limit"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	Timeout        TimeoutConfig `yaml:"timeout"`
	Confirm        ConfirmConfig `yaml:"confirm"`
}

// captchaCallTimeout matches the solver's HTTP client deadline.
const captchaCallTimeout = 30 * time.Second

// PassBudget is the longest a single pass can hold a claimed record: create entry
// (plus CAPTCHA solving when enabled), pacing, then every confirm attempt with its
// 404 delays, all at the maximum read timeout.
func (c *Config) PassBudget() time.Duration {
	e := c.Engine
	call := e.Timeout.Connect + e.Timeout.Write + e.Timeout.Max

	create := call
	if c.Captcha.Enabled {
		create += captchaCallTimeout + time.Duration(c.Captcha.MaxPolls)*(c.Captcha.PollInterval+captchaCallTimeout)
	}

	confirm := time.Duration(e.Confirm.Attempts) * call
	for attempt := 0; attempt < e.Confirm.Attempts-1; attempt++ {
		confirm += e.Confirm.BaseDelay + time.Duration(attempt)*e.Confirm.Step
	}
	return create + e.Pacing + confirm
}

type SweepConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	Grace      time.Duration `yaml:"grace"`
}

// HourWindow is an inclusive range of hours in which the scheduler fires.
type HourWindow struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
}

type SchedulerConfig struct {
	Timezone       string        `yaml:"timezone"`
	WeekdayHours   HourWindow    `yaml:"weekday_hours"`
	SaturdayHours  HourWindow    `yaml:"saturday_hours"`
	SundayHours    HourWindow    `yaml:"sunday_hours"`
	Minutes        []int         `yaml:"minutes"`
	Interval       time.Duration `yaml:"interval"`
	BurstInterval  time.Duration `yaml:"burst_interval"`
	BurstMinutes   []int         `yaml:"burst_minutes"`
	// BurstHour is the hour slots are released, defaults to venue.opening_hour.
	// 0 falls back to the first hour of each day window.
	BurstHour      int           `yaml:"burst_hour"`
	OffdayMinutes  []int         `yaml:"offday_minutes"`
	DaylightSaving bool          `yaml:"daylight_saving"`
}

type UpstreamConfig struct {
	BaseURL   string `yaml:"base_url"`
	Cliente   string `yaml:"cliente"`
	EntryType int    `yaml:"entry_type"`
	Area      int    `yaml:"area"`
	Timezone  string `yaml:"timezone"`
}

type CaptchaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	SiteKey      string        `yaml:"site_key"`
	PageURL      string        `yaml:"page_url"`
	TaskType     string        `yaml:"task_type"`
	MaxPolls     int           `yaml:"max_polls"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type PrioritiesConfig struct {
	File        string `yaml:"file"`
	Default     int    `yaml:"default"`
	SyncOnStart bool   `yaml:"sync_on_start"`
}

type ReportsConfig struct {
	Path string `yaml:"path"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	StoragePath   string        `yaml:"storage_path"`
	RetentionDays int           `yaml:"retention_days"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func Load(configPath string) (*Config, error) {
	// .env необязателен: в контейнере переменные приходят из окружения
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse decodes YAML with environment expansion, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database path is required")
		}
	case DriverPostgres:
		if c.Database.Postgres.Host == "" || c.Database.Postgres.DBName == "" {
			return errors.New("postgres host and dbname are required")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if _, err := c.Venue.Location(); err != nil {
		return err
	}
	if err := ValidateHours(c.Venue.Hours); err != nil {
		return err
	}

	if c.Engine.Concurrency < 1 || c.Engine.Concurrency > 16 {
		return fmt.Errorf("engine concurrency must be between 1 and 16, got %d", c.Engine.Concurrency)
	}
	if c.Engine.Timeout.Max < c.Engine.Timeout.Base {
		return errors.New("engine timeout max must not be lower than base")
	}
	if c.Engine.NotifyEvery < 1 {
		return errors.New("engine notify_every must be positive")
	}
	// a pass still running must never be swept or lose its lease
	if budget := c.PassBudget(); c.Sweep.StaleAfter <= budget || c.Engine.LeaseTTL <= budget {
		return fmt.Errorf("sweep stale_after (%s) and engine lease_ttl (%s) must exceed the longest pass (%s)",
			c.Sweep.StaleAfter, c.Engine.LeaseTTL, budget)
	}

	if c.Upstream.BaseURL == "" {
		return errors.New("upstream base_url is required")
	}

	if c.Captcha.Enabled && (c.Captcha.APIKey == "" || c.Captcha.SiteKey == "") {
		return errors.New("captcha api_key and site_key are required when captcha is enabled")
	}

	return nil
}

var weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// ValidateHours checks every configured weekday has a sane window.
func ValidateHours(hours map[string]HoursRange) error {
	for day, h := range hours {
		known := false
		for _, d := range weekdays {
			if d == day {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown weekday %q in venue hours", day)
		}
		if h.Open < 0 || h.Close > 23 || h.Open >= h.Close {
			return fmt.Errorf("invalid hours for %s: %d-%d", day, h.Open, h.Close)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "biblio"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}

	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Telegram.SendRPS == 0 {
		c.Telegram.SendRPS = 25
	}

	c.applyVenueDefaults()
	c.applyEngineDefaults()
	c.applySchedulerDefaults()

	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://prenotabiblio.sba.unimi.it/portalePlanningAPI/api"
	}
	if c.Upstream.Cliente == "" {
		c.Upstream.Cliente = "biblio"
	}
	if c.Upstream.EntryType == 0 {
		c.Upstream.EntryType = 50
	}
	if c.Upstream.Area == 0 {
		c.Upstream.Area = 25
	}
	if c.Upstream.Timezone == "" {
		c.Upstream.Timezone = c.Venue.Timezone
	}

	if c.Captcha.TaskType == "" {
		c.Captcha.TaskType = "RecaptchaV2TaskProxyless"
	}
	if c.Captcha.MaxPolls == 0 {
		c.Captcha.MaxPolls = 20
	}
	if c.Captcha.PollInterval == 0 {
		c.Captcha.PollInterval = 5 * time.Second
	}

	if c.Priorities.Default == 0 {
		c.Priorities.Default = models.DefaultPriority
	}
	if c.Google.PrioritiesRange == "" {
		c.Google.PrioritiesRange = "Priorities!A2:B"
	}
	if c.Reports.Path == "" {
		c.Reports.Path = "reports"
	}
	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}

	// needs the timeout, confirm and captcha defaults above
	margin := c.PassBudget().Truncate(time.Minute) + 2*time.Minute
	if c.Engine.LeaseTTL == 0 {
		c.Engine.LeaseTTL = margin
	}
	if c.Sweep.StaleAfter == 0 {
		c.Sweep.StaleAfter = margin
	}
}

func (c *Config) applyVenueDefaults() {
	if c.Venue.Timezone == "" {
		c.Venue.Timezone = models.DefaultTimezone
	}
	if c.Venue.OpeningHour == 0 {
		c.Venue.OpeningHour = 9
	}
	if len(c.Venue.Hours) == 0 {
		c.Venue.Hours = map[string]HoursRange{
			"monday":    {Open: 9, Close: 22},
			"tuesday":   {Open: 9, Close: 22},
			"wednesday": {Open: 9, Close: 22},
			"thursday":  {Open: 9, Close: 22},
			"friday":    {Open: 9, Close: 22},
			"saturday":  {Open: 9, Close: 13},
			"sunday":    {Open: 9, Close: 13},
		}
	}
}

func (c *Config) applyEngineDefaults() {
	e := &c.Engine
	if e.Concurrency == 0 {
		e.Concurrency = models.DefaultConcurrency
	}
	if e.RetryCeiling == 0 {
		e.RetryCeiling = models.RetryCeiling
	}
	if e.NotifyEvery == 0 {
		e.NotifyEvery = models.NotifyEvery
	}
	if e.StalenessGrace == 0 {
		e.StalenessGrace = 30 * time.Minute
	}
	if e.Pacing == 0 {
		e.Pacing = time.Second
	}
	if e.ClaimLimit == 0 {
		e.ClaimLimit = models.DefaultClaimLimit
	}
	if e.Timeout.Base == 0 {
		e.Timeout.Base = 10 * time.Second
	}
	if e.Timeout.Step == 0 {
		e.Timeout.Step = 15 * time.Second
	}
	if e.Timeout.Max == 0 {
		e.Timeout.Max = 150 * time.Second
	}
	if e.Timeout.Connect == 0 {
		e.Timeout.Connect = 10 * time.Second
	}
	if e.Timeout.Write == 0 {
		e.Timeout.Write = 10 * time.Second
	}
	if e.Confirm.Attempts == 0 {
		e.Confirm.Attempts = 3
	}
	if e.Confirm.BaseDelay == 0 {
		e.Confirm.BaseDelay = 1500 * time.Millisecond
	}
	if e.Confirm.Step == 0 {
		e.Confirm.Step = 500 * time.Millisecond
	}

	if c.Sweep.Interval == 0 {
		c.Sweep.Interval = 5 * time.Minute
	}
	if c.Sweep.Grace == 0 {
		c.Sweep.Grace = 30 * time.Minute
	}
}

func (c *Config) applySchedulerDefaults() {
	s := &c.Scheduler
	if s.Timezone == "" {
		s.Timezone = c.Venue.Timezone
	}
	if s.WeekdayHours == (HourWindow{}) {
		s.WeekdayHours = HourWindow{From: 7, To: 22}
	}
	if s.SaturdayHours == (HourWindow{}) {
		s.SaturdayHours = HourWindow{From: 7, To: 13}
	}
	if s.SundayHours == (HourWindow{}) {
		s.SundayHours = HourWindow{From: 7, To: 13}
	}
	if len(s.Minutes) == 0 {
		s.Minutes = []int{0, 1, 2, 30, 31, 32}
	}
	if s.Interval == 0 {
		s.Interval = 10 * time.Second
	}
	if s.BurstInterval == 0 {
		s.BurstInterval = 500 * time.Millisecond
	}
	if len(s.BurstMinutes) == 0 {
		s.BurstMinutes = []int{0, 1}
	}
	if s.BurstHour == 0 {
		s.BurstHour = c.Venue.OpeningHour
	}
	if len(s.OffdayMinutes) == 0 {
		s.OffdayMinutes = []int{0, 30}
	}
}

// Package config loads bot settings from the environment and an optional
// .env file.
package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Twitch   TwitchConfig
	Delivery DeliveryConfig
	Store    StoreConfig
	Players  PlayersConfig
	Deaths   DeathsConfig
	Sheets   SheetsConfig
	HTTP     HTTPConfig
	Log      LogConfig
}

type TwitchConfig struct {
	Channel          string
	Nick             string
	Token            string
	TokenFile        string
	ClientID         string
	ClientSecret     string
	RefreshToken     string
	RefreshTokenFile string
	TLS              bool
	// Addr overrides the IRC endpoint, mostly for tests and proxies.
	Addr             string
	RateLimit        int
	VerboseUnhandled bool

	LegacyChannelEnv string
	LegacyTokenEnv   string
}

type DeliveryConfig struct {
	BroadcastMS int
	ReplyMS     int
	JobMS       int
}

type StoreConfig struct {
	DSN          string
	SQLiteTuning bool
}

type PlayersConfig struct {
	SnapshotPath string
	CycleSize    int
	ConfirmSecs  int
}

type DeathsConfig struct {
	CurrentFile string
	TotalFile   string
}

type SheetsConfig struct {
	SpreadsheetID   string
	CredentialsFile string
}

type HTTPConfig struct {
	Addr       string
	RateRPS    int
	RateBurst  int
	TrustProxy bool
	Metrics    bool
	AccessLog  bool
	Pprof      bool
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	defaultDSN          = "gnasty-bot.db"
	defaultSnapshotPath = "player_queue.json"
	defaultBroadcastMS  = 1000
	defaultReplyMS      = 1500
	defaultJobMS        = 500
	defaultCycleSize    = 7
	defaultConfirmSecs  = 45
	defaultRateLimit    = 20
	defaultHTTPRPS      = 20
	defaultHTTPBurst    = 40
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"

	// Twitch drops public lines sent faster than this.
	minBroadcastMS = 500
)

// LoadDotEnv reads GNASTY_ENV_FILE (or ./.env) into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv() error {
	path := strings.TrimSpace(os.Getenv("GNASTY_ENV_FILE"))
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	slog.Debug("config: loaded env file", "path", path)
	return nil
}

func Load() Config {
	cfg := Config{}

	cfg.Twitch.Channel = strings.TrimPrefix(strings.TrimSpace(os.Getenv("GNASTY_TWITCH_CHANNEL")), "#")
	if cfg.Twitch.Channel == "" {
		legacy := strings.TrimPrefix(strings.TrimSpace(os.Getenv("TWITCH_CHANNEL")), "#")
		if legacy != "" {
			cfg.Twitch.LegacyChannelEnv = "TWITCH_CHANNEL"
			cfg.Twitch.Channel = legacy
		}
	}
	cfg.Twitch.Nick = firstEnv("GNASTY_TWITCH_NICK", "TWITCH_NICK")
	cfg.Twitch.Token = strings.TrimSpace(os.Getenv("GNASTY_TWITCH_TOKEN"))
	if cfg.Twitch.Token == "" {
		cfg.Twitch.Token = strings.TrimSpace(os.Getenv("TWITCH_TOKEN"))
		if cfg.Twitch.Token != "" {
			cfg.Twitch.LegacyTokenEnv = "TWITCH_TOKEN"
		}
	}
	cfg.Twitch.TokenFile = firstEnv("GNASTY_TWITCH_TOKEN_FILE", "TWITCH_TOKEN_FILE")
	cfg.Twitch.ClientID = firstEnv("GNASTY_TWITCH_CLIENT_ID", "TWITCH_CLIENT_ID")
	cfg.Twitch.ClientSecret = firstEnv("GNASTY_TWITCH_CLIENT_SECRET", "TWITCH_CLIENT_SECRET")
	cfg.Twitch.RefreshToken = firstEnv("GNASTY_TWITCH_REFRESH_TOKEN", "TWITCH_REFRESH_TOKEN")
	cfg.Twitch.RefreshTokenFile = firstEnv("GNASTY_TWITCH_REFRESH_TOKEN_FILE", "TWITCH_REFRESH_TOKEN_FILE")
	cfg.Twitch.TLS = readBool("GNASTY_TWITCH_TLS", true)
	if !envExists("GNASTY_TWITCH_TLS") {
		cfg.Twitch.TLS = readBool("TWITCH_TLS", cfg.Twitch.TLS)
	}
	cfg.Twitch.Addr = strings.TrimSpace(os.Getenv("GNASTY_TWITCH_ADDR"))
	cfg.Twitch.RateLimit = readInt("GNASTY_TWITCH_RATE_LIMIT", defaultRateLimit)
	cfg.Twitch.VerboseUnhandled = readBool("GNASTY_TWITCH_VERBOSE_UNHANDLED", false)

	cfg.Delivery.BroadcastMS = readInt("GNASTY_BROADCAST_INTERVAL_MS", defaultBroadcastMS)
	cfg.Delivery.ReplyMS = readInt("GNASTY_REPLY_INTERVAL_MS", defaultReplyMS)
	cfg.Delivery.JobMS = readInt("GNASTY_JOB_INTERVAL_MS", defaultJobMS)

	cfg.Store.DSN = strings.TrimSpace(os.Getenv("GNASTY_STORE_DSN"))
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = firstEnv("DATABASE_URL")
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = defaultDSN
	}
	cfg.Store.SQLiteTuning = readBool("GNASTY_SQLITE_TUNING", true)

	cfg.Players.SnapshotPath = strings.TrimSpace(os.Getenv("GNASTY_PLAYER_SNAPSHOT"))
	if cfg.Players.SnapshotPath == "" {
		cfg.Players.SnapshotPath = defaultSnapshotPath
	}
	cfg.Players.CycleSize = readInt("GNASTY_CYCLE_SIZE", defaultCycleSize)
	cfg.Players.ConfirmSecs = readInt("GNASTY_CONFIRM_SECS", defaultConfirmSecs)

	cfg.Deaths.CurrentFile = strings.TrimSpace(os.Getenv("GNASTY_DEATHS_FILE"))
	cfg.Deaths.TotalFile = strings.TrimSpace(os.Getenv("GNASTY_TOTAL_DEATHS_FILE"))

	cfg.Sheets.SpreadsheetID = strings.TrimSpace(os.Getenv("GNASTY_SHEETS_ID"))
	cfg.Sheets.CredentialsFile = firstEnv("GNASTY_SHEETS_CREDENTIALS", "GOOGLE_APPLICATION_CREDENTIALS")

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("GNASTY_HTTP_ADDR"))
	cfg.HTTP.RateRPS = readInt("GNASTY_HTTP_RATE_RPS", defaultHTTPRPS)
	cfg.HTTP.RateBurst = readInt("GNASTY_HTTP_RATE_BURST", defaultHTTPBurst)
	cfg.HTTP.TrustProxy = readBool("GNASTY_HTTP_TRUST_PROXY", false)
	cfg.HTTP.Metrics = readBool("GNASTY_HTTP_METRICS", true)
	cfg.HTTP.AccessLog = readBool("GNASTY_HTTP_ACCESS_LOG", true)
	cfg.HTTP.Pprof = readBool("GNASTY_HTTP_PPROF", false)

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(os.Getenv("GNASTY_LOG_LEVEL")))
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaultLogLevel
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(os.Getenv("GNASTY_LOG_FORMAT")))
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaultLogFormat
	}

	return cfg
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func envExists(name string) bool {
	v, ok := os.LookupEnv(name)
	return ok && strings.TrimSpace(v) != ""
}

// BroadcastInterval never drops below the chat's own public rate floor.
func (c Config) BroadcastInterval() time.Duration {
	ms := c.Delivery.BroadcastMS
	if ms < minBroadcastMS {
		ms = minBroadcastMS
	}
	return time.Duration(ms) * time.Millisecond
}

func (c Config) ReplyInterval() time.Duration {
	if c.Delivery.ReplyMS <= 0 {
		return defaultReplyMS * time.Millisecond
	}
	return time.Duration(c.Delivery.ReplyMS) * time.Millisecond
}

func (c Config) JobInterval() time.Duration {
	if c.Delivery.JobMS <= 0 {
		return defaultJobMS * time.Millisecond
	}
	return time.Duration(c.Delivery.JobMS) * time.Millisecond
}

func (c Config) ConfirmWindow() time.Duration {
	if c.Players.ConfirmSecs <= 0 {
		return defaultConfirmSecs * time.Second
	}
	return time.Duration(c.Players.ConfirmSecs) * time.Second
}

// SlogLevel maps Log.Level to a slog level; unknown names mean info.
func (c Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c Config) RefreshEnabled() bool {
	return c.Twitch.ClientID != "" && c.Twitch.ClientSecret != "" && (c.Twitch.RefreshToken != "" || c.Twitch.RefreshTokenFile != "")
}

func (c Config) SheetsEnabled() bool {
	return c.Sheets.SpreadsheetID != ""
}

func (c Config) Summary() Summary {
	return Summary{
		Channel:     c.Twitch.Channel,
		StoreDriver: driverOf(c.Store.DSN),
		Snapshot:    c.Players.SnapshotPath,
		BroadcastMS: int(c.BroadcastInterval() / time.Millisecond),
		ReplyMS:     int(c.ReplyInterval() / time.Millisecond),
		JobMS:       int(c.JobInterval() / time.Millisecond),
		Twitch: TwitchSummary{
			Nick:             c.Twitch.Nick,
			Token:            redactString(c.Twitch.Token),
			TokenFile:        c.Twitch.TokenFile,
			ClientID:         redactString(c.Twitch.ClientID),
			ClientSecret:     redactString(c.Twitch.ClientSecret),
			RefreshToken:     redactString(c.Twitch.RefreshToken),
			RefreshTokenFile: c.Twitch.RefreshTokenFile,
			RefreshEnabled:   c.RefreshEnabled(),
			TLS:              c.Twitch.TLS,
		},
		Sheets:   c.SheetsEnabled(),
		HTTPAddr: c.HTTP.Addr,
	}
}

type Summary struct {
	Channel     string        `json:"channel"`
	StoreDriver string        `json:"store"`
	Snapshot    string        `json:"snapshot"`
	BroadcastMS int           `json:"broadcast_ms"`
	ReplyMS     int           `json:"reply_ms"`
	JobMS       int           `json:"job_ms"`
	Twitch      TwitchSummary `json:"twitch"`
	Sheets      bool          `json:"sheets"`
	HTTPAddr    string        `json:"http_addr,omitempty"`
}

type TwitchSummary struct {
	Nick             string `json:"nick,omitempty"`
	Token            string `json:"token,omitempty"`
	TokenFile        string `json:"token_file,omitempty"`
	ClientID         string `json:"client_id,omitempty"`
	ClientSecret     string `json:"client_secret,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshTokenFile string `json:"refresh_token_file,omitempty"`
	RefreshEnabled   bool   `json:"refresh_enabled"`
	TLS              bool   `json:"tls"`
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"twitch": map[string]any{
			"channel":            c.Twitch.Channel,
			"nick":               c.Twitch.Nick,
			"token":              redactString(c.Twitch.Token),
			"token_file":         c.Twitch.TokenFile,
			"client_id":          redactString(c.Twitch.ClientID),
			"client_secret":      redactString(c.Twitch.ClientSecret),
			"refresh_token":      redactString(c.Twitch.RefreshToken),
			"refresh_token_file": c.Twitch.RefreshTokenFile,
			"tls":                c.Twitch.TLS,
			"addr":               c.Twitch.Addr,
			"rate_limit":         c.Twitch.RateLimit,
			"refresh_enabled":    c.RefreshEnabled(),
		},
		"delivery": map[string]any{
			"broadcast_ms": c.Delivery.BroadcastMS,
			"reply_ms":     c.Delivery.ReplyMS,
			"job_ms":       c.Delivery.JobMS,
		},
		"store": map[string]any{
			"driver":        driverOf(c.Store.DSN),
			"dsn":           redactDSN(c.Store.DSN),
			"sqlite_tuning": c.Store.SQLiteTuning,
		},
		"players": map[string]any{
			"snapshot":     c.Players.SnapshotPath,
			"cycle_size":   c.Players.CycleSize,
			"confirm_secs": c.Players.ConfirmSecs,
		},
		"deaths": map[string]any{
			"current_file": c.Deaths.CurrentFile,
			"total_file":   c.Deaths.TotalFile,
		},
		"sheets": map[string]any{
			"spreadsheet_id":   c.Sheets.SpreadsheetID,
			"credentials_file": c.Sheets.CredentialsFile,
		},
		"http": map[string]any{
			"addr":        c.HTTP.Addr,
			"rate_rps":    c.HTTP.RateRPS,
			"rate_burst":  c.HTTP.RateBurst,
			"trust_proxy": c.HTTP.TrustProxy,
			"metrics":     c.HTTP.Metrics,
			"access_log":  c.HTTP.AccessLog,
			"pprof":       c.HTTP.Pprof,
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

func driverOf(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// redactDSN hides the password of a URL-style DSN.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, hasPass := strings.Cut(creds, ":")
	if !hasPass {
		return dsn
	}
	return scheme + "://" + user + ":***@" + host
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/mail-to-sheets/state"
)

const (
	SourceGmail = "gmail"
	SourceIMAP  = "imap"
	SourceMbox  = "mbox"

	envPrefix = "MAIL_TO_SHEETS"
)

// legacyEnv maps flags to the unprefixed variables older deployments set.
var legacyEnv = map[string]string{
	"spreadsheet-id":   "SPREADSHEET_ID",
	"sheet-name":       "SHEET_NAME",
	"subject-filter":   "SUBJECT_FILTER",
	"exclude-no-reply": "EXCLUDE_NO_REPLY",
	"last-24h":         "LAST_24_HOURS_ONLY",
	"log-level":        "LOG_LEVEL",
	"imap-pass":        "IMAP_PASS",
}

// Config captures all options required to run a sync.
type Config struct {
	ConfigFile string
	Source     string

	CredentialsFile string
	TokenFile       string
	Query           string
	MaxResults      int
	Last24h         bool

	SpreadsheetID string
	SheetName     string
	BatchSize     int

	SubjectFilter  string
	ExcludeNoReply bool
	ExcludeSenders []string
	Location       *time.Location

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	IMAPMailbox        string

	MboxPath string

	StateBackend string
	StatePath    string

	RetryAttempts int
	RetryInitial  time.Duration

	DryRun   bool
	LogLevel string
	LogDir   string
}

// RegisterFlags attaches all CLI flags to the provided command. They are persistent so
// subcommands share them.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Optional YAML config file; keys match the flag names")
	flags.String("source", SourceGmail, "Mail source: gmail, imap or mbox")

	flags.String("credentials-file", "credentials.json", "OAuth client secret file downloaded from the Google Cloud console")
	flags.String("token-file", "token.json", "File caching the OAuth token")
	flags.String("query", "is:unread in:inbox", "Gmail search query for unread messages")
	flags.Int("max-results", 500, "Maximum number of messages listed per run")
	flags.Bool("last-24h", false, "Only consider messages received in the last 24 hours (env LAST_24_HOURS_ONLY)")

	flags.String("spreadsheet-id", "", "Target spreadsheet id (env SPREADSHEET_ID)")
	flags.String("sheet-name", "Emails", "Target sheet name (env SHEET_NAME)")
	flags.Int("batch-size", 0, "Rows appended per request; 0 appends everything at the end of the run")

	flags.String("subject-filter", "", "Only keep messages whose subject contains this keyword (env SUBJECT_FILTER)")
	flags.Bool("exclude-no-reply", false, "Skip no-reply senders (env EXCLUDE_NO_REPLY)")
	flags.StringSlice("exclude-sender", nil, "Regex block-list applied to the From header")
	flags.String("timezone", "Local", "IANA time zone used when a message has no usable Date header")

	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var, then the OS keyring)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("imap-mailbox", "INBOX", "IMAP mailbox to read unread messages from")

	flags.String("mbox", "", "Path to an .mbox archive used as source")

	flags.String("state-backend", state.BackendJSON, "Processed-id store: json or sqlite")
	flags.String("state-path", "", "State file path (defaults to ~/.mail-to-sheets/state/state.json or state.db)")

	flags.Int("retry-attempts", 3, "Attempts per remote call")
	flags.Duration("retry-delay", 2*time.Second, "Initial delay between attempts, doubled each retry")

	flags.Bool("dry-run", false, "Parse and report without writing rows, marking read or saving state")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error (env LOG_LEVEL)")
	flags.String("log-dir", "", "Directory for a copy of the log output")

	return nil
}

// LoadConfig resolves the options of cmd. A flag set on the command line wins over the
// environment, which wins over the config file.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ConfigFile:         v.GetString("config"),
		Source:             strings.ToLower(strings.TrimSpace(v.GetString("source"))),
		CredentialsFile:    v.GetString("credentials-file"),
		TokenFile:          v.GetString("token-file"),
		Query:              v.GetString("query"),
		MaxResults:         v.GetInt("max-results"),
		Last24h:            v.GetBool("last-24h"),
		SpreadsheetID:      strings.TrimSpace(v.GetString("spreadsheet-id")),
		SheetName:          v.GetString("sheet-name"),
		BatchSize:          v.GetInt("batch-size"),
		SubjectFilter:      v.GetString("subject-filter"),
		ExcludeNoReply:     v.GetBool("exclude-no-reply"),
		ExcludeSenders:     v.GetStringSlice("exclude-sender"),
		IMAPHost:           v.GetString("imap-host"),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		IMAPMailbox:        v.GetString("imap-mailbox"),
		MboxPath:           v.GetString("mbox"),
		StateBackend:       strings.ToLower(v.GetString("state-backend")),
		StatePath:          v.GetString("state-path"),
		RetryAttempts:      v.GetInt("retry-attempts"),
		RetryInitial:       v.GetDuration("retry-delay"),
		DryRun:             v.GetBool("dry-run"),
		LogLevel:           strings.ToLower(v.GetString("log-level")),
		LogDir:             v.GetString("log-dir"),
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	tz := v.GetString("timezone")
	cfg.Location, err = loadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("invalid --timezone %q: %w", tz, err)
	}

	if cfg.StatePath == "" {
		cfg.StatePath, err = defaultStatePath(cfg.StateBackend)
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StatePath = filepath.Clean(cfg.StatePath)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}

	path := v.GetString("config")
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if errors.As(err, &notFound) || errors.As(err, &pathErr) {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return v, nil
}

// NeedsSheets reports whether the run talks to the spreadsheet API.
func (c Config) NeedsSheets() bool {
	return !c.DryRun
}

// NeedsOAuth reports whether the run needs a Google OAuth client.
func (c Config) NeedsOAuth() bool {
	return c.Source == SourceGmail || c.NeedsSheets()
}

func validateConfig(cfg Config) error {
	switch cfg.Source {
	case SourceGmail:
		if cfg.MaxResults <= 0 {
			return fmt.Errorf("--max-results must be positive")
		}
	case SourceIMAP:
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required for the imap source")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required for the imap source")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	case SourceMbox:
		if cfg.MboxPath == "" {
			return fmt.Errorf("--mbox is required for the mbox source")
		}
	default:
		return fmt.Errorf("invalid --source: %s", cfg.Source)
	}

	if cfg.NeedsSheets() && cfg.SpreadsheetID == "" {
		return fmt.Errorf("spreadsheet id must be provided via --spreadsheet-id or SPREADSHEET_ID env var")
	}
	if cfg.NeedsOAuth() && cfg.CredentialsFile == "" {
		return fmt.Errorf("--credentials-file is required")
	}
	if cfg.SheetName == "" {
		return fmt.Errorf("--sheet-name must not be empty")
	}
	if cfg.BatchSize < 0 {
		return fmt.Errorf("--batch-size must not be negative")
	}
	if cfg.RetryAttempts < 1 {
		return fmt.Errorf("--retry-attempts must be at least 1")
	}
	if cfg.RetryInitial < 0 {
		return fmt.Errorf("--retry-delay must not be negative")
	}

	switch cfg.StateBackend {
	case state.BackendJSON, state.BackendSQLite:
	default:
		return fmt.Errorf("invalid --state-backend: %s", cfg.StateBackend)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

func defaultStatePath(backend string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	name := "state.json"
	if backend == state.BackendSQLite {
		name = "state.db"
	}
	return filepath.Join(home, ".mail-to-sheets", "state", name), nil
}

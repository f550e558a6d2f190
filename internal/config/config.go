package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	// Server settings
	Host string
	Port string

	// Database settings
	DBPath string

	// Spool directory the mail fetcher writes .eml files into
	SpoolPath        string
	SpoolInterval    time.Duration
	SpoolConcurrency int
	KeepSpoolFiles   bool

	// Window in which identical content from the same sender is flagged
	DuplicateWindow time.Duration

	Processing Processing
	Retention  Retention
	AI         AI
	SMTP       SMTP

	// SQS queue notified of new emails; empty disables publishing
	QueueURL string

	LogLevel       string
	LogFormat      string
	TracingEnabled bool
}

type Processing struct {
	BatchSize    int
	Concurrency  int
	PollInterval time.Duration
	MaxRetries   int
}

type Retention struct {
	Days     int
	Interval time.Duration
}

type AI struct {
	URL          string
	APIKey       string
	Timeout      time.Duration
	MaxTries     uint
	FallbackText string
}

// SMTP settings for reply dispatch. An empty Host disables sending.
type SMTP struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	FromName string

	// Accounts reply for the mailbox named in MapTo. Replies to any other
	// mailbox go through the account above.
	Accounts []SMTPAccount
}

// SMTPAccount is one extra SMTP login, picked by the address the email was sent to.
type SMTPAccount struct {
	MapTo    string `mapstructure:"map_to"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// SenderAddress is the From address used on replies through this account.
func (a SMTPAccount) SenderAddress() string {
	if a.From != "" {
		return a.From
	}
	return a.User
}

// Default returns default configuration
func Default() *Config {
	// Get user's home directory
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	dataDir := filepath.Join(homeDir, ".autoreply")

	return &Config{
		Host:             "localhost",
		Port:             "8080",
		DBPath:           filepath.Join(dataDir, "emails.db"),
		SpoolPath:        filepath.Join(dataDir, "spool"),
		SpoolInterval:    30 * time.Second,
		SpoolConcurrency: 4,
		DuplicateWindow:  24 * time.Hour,
		Processing: Processing{
			BatchSize:    20,
			Concurrency:  2,
			PollInterval: 10 * time.Second,
			MaxRetries:   3,
		},
		Retention: Retention{
			Days:     30,
			Interval: 24 * time.Hour,
		},
		AI: AI{
			Timeout:  60 * time.Second,
			MaxTries: 3,
		},
		SMTP: SMTP{
			Port:     465,
			FromName: "Support",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load layers an optional config file and AUTOREPLY_* environment variables
// over Default. An empty path searches for autoreply.yaml in the working
// directory and the data directory.
func Load(path string) (*Config, error) {
	def := Default()
	v := viper.New()
	setDefaults(v, def)

	v.SetEnvPrefix("AUTOREPLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("autoreply")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Dir(def.DBPath))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{
		Host:             v.GetString("server.host"),
		Port:             v.GetString("server.port"),
		DBPath:           v.GetString("db.path"),
		SpoolPath:        v.GetString("spool.path"),
		SpoolInterval:    v.GetDuration("spool.interval"),
		SpoolConcurrency: v.GetInt("spool.concurrency"),
		KeepSpoolFiles:   v.GetBool("spool.keep_files"),
		DuplicateWindow:  v.GetDuration("ingest.duplicate_window"),
		Processing: Processing{
			BatchSize:    v.GetInt("processing.batch_size"),
			Concurrency:  v.GetInt("processing.concurrency"),
			PollInterval: v.GetDuration("processing.poll_interval"),
			MaxRetries:   v.GetInt("processing.max_retries"),
		},
		Retention: Retention{
			Days:     v.GetInt("retention.days"),
			Interval: v.GetDuration("retention.interval"),
		},
		AI: AI{
			URL:          v.GetString("ai.url"),
			APIKey:       v.GetString("ai.api_key"),
			Timeout:      v.GetDuration("ai.timeout"),
			MaxTries:     v.GetUint("ai.max_tries"),
			FallbackText: v.GetString("ai.fallback_text"),
		},
		SMTP: SMTP{
			Host:     v.GetString("smtp.host"),
			Port:     v.GetInt("smtp.port"),
			User:     v.GetString("smtp.user"),
			Password: v.GetString("smtp.password"),
			From:     v.GetString("smtp.from"),
			FromName: v.GetString("smtp.from_name"),
		},
		QueueURL:       v.GetString("queue.url"),
		LogLevel:       v.GetString("log.level"),
		LogFormat:      v.GetString("log.format"),
		TracingEnabled: v.GetBool("tracing.enabled"),
	}

	if err := v.UnmarshalKey("smtp.accounts", &cfg.SMTP.Accounts); err != nil {
		return nil, fmt.Errorf("failed to read smtp.accounts: %w", err)
	}
	for i := range cfg.SMTP.Accounts {
		if cfg.SMTP.Accounts[i].Port == 0 {
			cfg.SMTP.Accounts[i].Port = def.SMTP.Port
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Every key is registered with a default so AutomaticEnv can see it.
func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("server.host", def.Host)
	v.SetDefault("server.port", def.Port)
	v.SetDefault("db.path", def.DBPath)
	v.SetDefault("spool.path", def.SpoolPath)
	v.SetDefault("spool.interval", def.SpoolInterval)
	v.SetDefault("spool.concurrency", def.SpoolConcurrency)
	v.SetDefault("spool.keep_files", def.KeepSpoolFiles)
	v.SetDefault("ingest.duplicate_window", def.DuplicateWindow)
	v.SetDefault("processing.batch_size", def.Processing.BatchSize)
	v.SetDefault("processing.concurrency", def.Processing.Concurrency)
	v.SetDefault("processing.poll_interval", def.Processing.PollInterval)
	v.SetDefault("processing.max_retries", def.Processing.MaxRetries)
	v.SetDefault("retention.days", def.Retention.Days)
	v.SetDefault("retention.interval", def.Retention.Interval)
	v.SetDefault("ai.url", def.AI.URL)
	v.SetDefault("ai.api_key", def.AI.APIKey)
	v.SetDefault("ai.timeout", def.AI.Timeout)
	v.SetDefault("ai.max_tries", def.AI.MaxTries)
	v.SetDefault("ai.fallback_text", def.AI.FallbackText)
	v.SetDefault("smtp.host", def.SMTP.Host)
	v.SetDefault("smtp.port", def.SMTP.Port)
	v.SetDefault("smtp.user", def.SMTP.User)
	v.SetDefault("smtp.password", def.SMTP.Password)
	v.SetDefault("smtp.from", def.SMTP.From)
	v.SetDefault("smtp.from_name", def.SMTP.FromName)
	v.SetDefault("queue.url", def.QueueURL)
	v.SetDefault("log.level", def.LogLevel)
	v.SetDefault("log.format", def.LogFormat)
	v.SetDefault("tracing.enabled", def.TracingEnabled)
}

// Validate rejects settings the workers cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("db.path must be set")
	}
	if c.Retention.Days < 0 {
		return fmt.Errorf("retention.days must not be negative, got %d", c.Retention.Days)
	}
	if c.Processing.MaxRetries < 0 {
		return fmt.Errorf("processing.max_retries must not be negative, got %d", c.Processing.MaxRetries)
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" && c.SMTP.User == "" {
		return errors.New("smtp.from or smtp.user must be set when smtp.host is set")
	}
	seen := make(map[string]bool, len(c.SMTP.Accounts))
	for i, acct := range c.SMTP.Accounts {
		mapTo := strings.ToLower(strings.TrimSpace(acct.MapTo))
		switch {
		case mapTo == "":
			return fmt.Errorf("smtp.accounts[%d].map_to must be set", i)
		case acct.Host == "":
			return fmt.Errorf("smtp.accounts[%d].host must be set", i)
		case acct.SenderAddress() == "":
			return fmt.Errorf("smtp.accounts[%d]: from or user must be set", i)
		case seen[mapTo]:
			return fmt.Errorf("smtp.accounts[%d]: %s is mapped twice", i, mapTo)
		}
		seen[mapTo] = true
	}
	return nil
}

// Address returns the full server address
func (c *Config) Address() string {
	return c.Host + ":" + c.Port
}

// URL returns the full server URL
func (c *Config) URL() string {
	return "http://" + c.Address()
}

// SenderAddress is the From address used on replies.
func (c *Config) SenderAddress() string {
	if c.SMTP.From != "" {
		return c.SMTP.From
	}
	return c.SMTP.User
}

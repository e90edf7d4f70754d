package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix         = "INBOX_RELAY"
	defaultConfigPath = "inbox-relay.yml"
)

// Config is the whole process configuration, loaded once at startup
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Mailbox     MailboxConfig     `mapstructure:"mailbox"`
	History     HistoryConfig     `mapstructure:"history"`
	Selection   SelectionConfig   `mapstructure:"selection"`
	Gate        GateConfig        `mapstructure:"gate"`
	CursorStore CursorStoreConfig `mapstructure:"cursor-store"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Watch       WatchConfig       `mapstructure:"watch"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read-header-timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown-timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MailboxConfig struct {
	// User is the Gmail user id, "me" for the authenticated account
	User string `mapstructure:"user"`
	// Address, when set, filters deliveries for other mailboxes
	Address string `mapstructure:"address"`
}

type HistoryConfig struct {
	EventKinds []string `mapstructure:"event-kinds"`
	PageSize   int64    `mapstructure:"page-size"`
}

type SelectionConfig struct {
	Policy        string   `mapstructure:"policy"`
	Labels        []string `mapstructure:"labels"`
	Keywords      []string `mapstructure:"keywords"`
	RequireUnread bool     `mapstructure:"require-unread"`
}

type GateConfig struct {
	AdmitWait time.Duration `mapstructure:"admit-wait"`
	RunBudget time.Duration `mapstructure:"run-budget"`
}

type CursorStoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
	// Key identifies the mailbox row; defaults to the mailbox address or user
	Key string `mapstructure:"key"`
}

type CredentialsConfig struct {
	Source          string   `mapstructure:"source"`
	Scopes          []string `mapstructure:"scopes"`
	TokenFile       string   `mapstructure:"token-file"`
	KeyringService  string   `mapstructure:"keyring-service"`
	KeyringKey      string   `mapstructure:"keyring-key"`
	KeyringDir      string   `mapstructure:"keyring-dir"`
	KeyringPassword string   `mapstructure:"keyring-password"`
	BrokerURL       string   `mapstructure:"broker-url"`
	BrokerSecret    string   `mapstructure:"broker-secret"`
	BrokerProvider  string   `mapstructure:"broker-provider"`
}

type WebhookConfig struct {
	Path         string            `mapstructure:"path"`
	MaxBodyBytes int64             `mapstructure:"max-body-bytes"`
	Auth         WebhookAuthConfig `mapstructure:"auth"`
}

type WebhookAuthConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Audience string   `mapstructure:"audience"`
	Issuers  []string `mapstructure:"issuers"`
	Email    string   `mapstructure:"email"`
	JWKSURL  string   `mapstructure:"jwks-url"`
}

type NotifyConfig struct {
	Cooldown       time.Duration  `mapstructure:"cooldown"`
	ForwardRawPush bool           `mapstructure:"forward-raw-push"`
	Email          EmailConfig    `mapstructure:"email"`
	Workflow       WorkflowConfig `mapstructure:"workflow"`
	NATS           NATSConfig     `mapstructure:"nats"`
}

type EmailConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ImplicitTLS     bool          `mapstructure:"implicit-tls"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	From            string        `mapstructure:"from"`
	To              []string      `mapstructure:"to"`
	Timeout         time.Duration `mapstructure:"timeout"`
	SubjectTemplate string        `mapstructure:"subject-template"`
	BodyTemplate    string        `mapstructure:"body-template"`
}

type WorkflowConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	APIURL          string            `mapstructure:"api-url"`
	Repo            string            `mapstructure:"repo"`
	Workflow        string            `mapstructure:"workflow"`
	Ref             string            `mapstructure:"ref"`
	Token           string            `mapstructure:"token"`
	Inputs          map[string]string `mapstructure:"inputs"`
	ConfirmByEmail  bool              `mapstructure:"confirm-by-email"`
	SubjectTemplate string            `mapstructure:"subject-template"`
	BodyTemplate    string            `mapstructure:"body-template"`
}

type NATSConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	URL             string        `mapstructure:"url"`
	Stream          string        `mapstructure:"stream"`
	SubjectPrefix   string        `mapstructure:"subject-prefix"`
	MaxAge          time.Duration `mapstructure:"max-age"`
	SubjectTemplate string        `mapstructure:"subject-template"`
	BodyTemplate    string        `mapstructure:"body-template"`
}

type WatchConfig struct {
	Topic         string        `mapstructure:"topic"`
	LabelIDs      []string      `mapstructure:"label-ids"`
	AutoRefresh   bool          `mapstructure:"auto-refresh"`
	Interval      time.Duration `mapstructure:"interval"`
	NotifyByEmail bool          `mapstructure:"notify-by-email"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read-header-timeout", 10*time.Second)
	v.SetDefault("server.shutdown-timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("mailbox.user", "me")
	v.SetDefault("mailbox.address", "")

	v.SetDefault("history.event-kinds", []string{})
	v.SetDefault("history.page-size", 100)

	v.SetDefault("selection.policy", "label")
	v.SetDefault("selection.labels", []string{})
	v.SetDefault("selection.keywords", []string{})
	v.SetDefault("selection.require-unread", false)

	v.SetDefault("gate.admit-wait", 2*time.Minute)
	v.SetDefault("gate.run-budget", 5*time.Minute)

	v.SetDefault("cursor-store.driver", "sqlite")
	v.SetDefault("cursor-store.path", "data/cursor.db")
	v.SetDefault("cursor-store.dsn", "")
	v.SetDefault("cursor-store.key", "")

	v.SetDefault("credentials.source", "file")
	v.SetDefault("credentials.scopes", []string{"https://www.googleapis.com/auth/gmail.readonly"})
	v.SetDefault("credentials.token-file", "token.json")
	v.SetDefault("credentials.keyring-service", "inbox-relay")
	v.SetDefault("credentials.keyring-key", "gmail-token")
	v.SetDefault("credentials.keyring-dir", "")
	v.SetDefault("credentials.keyring-password", "")
	v.SetDefault("credentials.broker-url", "")
	v.SetDefault("credentials.broker-secret", "")
	v.SetDefault("credentials.broker-provider", "google")

	v.SetDefault("webhook.path", "/")
	v.SetDefault("webhook.max-body-bytes", 1<<20)
	v.SetDefault("webhook.auth.enabled", false)
	v.SetDefault("webhook.auth.audience", "")
	v.SetDefault("webhook.auth.issuers", []string{})
	v.SetDefault("webhook.auth.email", "")
	v.SetDefault("webhook.auth.jwks-url", "")

	v.SetDefault("notify.cooldown", 2*time.Second)
	v.SetDefault("notify.forward-raw-push", false)

	v.SetDefault("notify.email.enabled", false)
	v.SetDefault("notify.email.host", "")
	v.SetDefault("notify.email.port", 465)
	v.SetDefault("notify.email.implicit-tls", true)
	v.SetDefault("notify.email.username", "")
	v.SetDefault("notify.email.password", "")
	v.SetDefault("notify.email.from", "")
	v.SetDefault("notify.email.to", []string{})
	v.SetDefault("notify.email.timeout", 30*time.Second)
	v.SetDefault("notify.email.subject-template", "")
	v.SetDefault("notify.email.body-template", "")

	v.SetDefault("notify.workflow.enabled", false)
	v.SetDefault("notify.workflow.api-url", "https://api.github.com")
	v.SetDefault("notify.workflow.repo", "")
	v.SetDefault("notify.workflow.workflow", "")
	v.SetDefault("notify.workflow.ref", "main")
	v.SetDefault("notify.workflow.token", "")
	v.SetDefault("notify.workflow.confirm-by-email", false)
	v.SetDefault("notify.workflow.subject-template", "")
	v.SetDefault("notify.workflow.body-template", "")

	v.SetDefault("notify.nats.enabled", false)
	v.SetDefault("notify.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("notify.nats.stream", "MAILBOX_CHANGES")
	v.SetDefault("notify.nats.subject-prefix", "mailbox")
	v.SetDefault("notify.nats.max-age", 30*24*time.Hour)
	v.SetDefault("notify.nats.subject-template", "")
	v.SetDefault("notify.nats.body-template", "")

	v.SetDefault("watch.topic", "")
	v.SetDefault("watch.label-ids", []string{})
	v.SetDefault("watch.auto-refresh", false)
	v.SetDefault("watch.interval", 24*time.Hour)
	v.SetDefault("watch.notify-by-email", false)
}

// Load reads configuration from defaults, an optional YAML file and
// INBOX_RELAY_* environment variables, in increasing precedence. A missing
// file is only an error when configPath was given explicitly.
func Load(configPath string) (Config, error) {
	var cfg Config

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	setDefaults(v)

	explicit := configPath != ""
	if !explicit {
		configPath = defaultConfigPath
	}
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		notFound := errors.As(err, &configFileNotFound) || errors.Is(err, os.ErrNotExist)
		if !notFound || explicit {
			return cfg, fmt.Errorf("reading config %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.Selection.Labels = cleanList(cfg.Selection.Labels)
	cfg.Selection.Keywords = cleanList(cfg.Selection.Keywords)
	cfg.History.EventKinds = cleanList(cfg.History.EventKinds)
	cfg.Notify.Email.To = cleanList(cfg.Notify.Email.To)
	cfg.Watch.LabelIDs = cleanList(cfg.Watch.LabelIDs)
	cfg.Webhook.Auth.Issuers = cleanList(cfg.Webhook.Auth.Issuers)
	if cfg.CursorStore.Key == "" {
		cfg.CursorStore.Key = cfg.Mailbox.Address
	}
	if cfg.CursorStore.Key == "" {
		cfg.CursorStore.Key = cfg.Mailbox.User
	}
	if !strings.HasPrefix(cfg.Webhook.Path, "/") {
		cfg.Webhook.Path = "/" + cfg.Webhook.Path
	}
}

// Validate reports the first configuration problem found
func (c Config) Validate() error {
	switch c.Selection.Policy {
	case "label":
		if len(c.Selection.Labels) == 0 {
			return fmt.Errorf("selection.labels is required for the label policy")
		}
	case "keyword":
		if len(c.Selection.Keywords) == 0 {
			return fmt.Errorf("selection.keywords is required for the keyword policy")
		}
	default:
		return fmt.Errorf("selection.policy must be label or keyword, got %q", c.Selection.Policy)
	}

	switch c.CursorStore.Driver {
	case "sqlite", "sqlite3":
		if c.CursorStore.Path == "" {
			return fmt.Errorf("cursor-store.path is required for %s", c.CursorStore.Driver)
		}
	case "postgres":
		if c.CursorStore.DSN == "" {
			return fmt.Errorf("cursor-store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("cursor-store.driver must be sqlite, sqlite3 or postgres, got %q", c.CursorStore.Driver)
	}

	switch c.Credentials.Source {
	case "file":
		if c.Credentials.TokenFile == "" {
			return fmt.Errorf("credentials.token-file is required")
		}
	case "keyring":
		if c.Credentials.KeyringKey == "" {
			return fmt.Errorf("credentials.keyring-key is required")
		}
	case "broker":
		if c.Credentials.BrokerURL == "" {
			return fmt.Errorf("credentials.broker-url is required")
		}
	default:
		return fmt.Errorf("credentials.source must be file, keyring or broker, got %q", c.Credentials.Source)
	}

	if c.Webhook.MaxBodyBytes <= 0 {
		return fmt.Errorf("webhook.max-body-bytes must be positive")
	}
	if c.Webhook.Auth.Enabled && c.Webhook.Auth.Audience == "" {
		return fmt.Errorf("webhook.auth.audience is required when push auth is enabled")
	}

	e := c.Notify.Email
	if e.Enabled && (e.Host == "" || e.From == "" || len(e.To) == 0) {
		return fmt.Errorf("notify.email needs host, from and to")
	}
	w := c.Notify.Workflow
	if w.Enabled && (w.Repo == "" || w.Workflow == "" || w.Token == "") {
		return fmt.Errorf("notify.workflow needs repo, workflow and token")
	}
	if c.Notify.NATS.Enabled && c.Notify.NATS.URL == "" {
		return fmt.Errorf("notify.nats.url is required")
	}
	if (c.Notify.ForwardRawPush || w.ConfirmByEmail || c.Watch.NotifyByEmail) && !e.Enabled {
		return fmt.Errorf("raw push forwarding, workflow confirmation and watch notices need notify.email")
	}
	if c.Watch.AutoRefresh && c.Watch.Topic == "" {
		return fmt.Errorf("watch.topic is required for auto refresh")
	}
	return nil
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Package config provides YAML-based configuration loading for the Seshat broker.
//
// A config file holds one or more named sections so broker settings can share
// a file with other applications:
//
//	production:
//	  store_path: /var/lib/seshat/seshat.db
//	  localusers: [alice@example.com, bob@example.com]
//	  broker_username: seshat@example.com
//	  broker_password: secret
//
// Every key may also be written with a "seshat_" prefix; the prefixed form
// wins when both are present.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// keyPrefix is the optional namespace prefix accepted on every key.
const keyPrefix = "seshat_"

// Supported platforms and store drivers.
const (
	PlatformXMPP    = "xmpp"
	PlatformDiscord = "discord"
	PlatformSlack   = "slack"

	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config is one section of a Seshat config file.
type Config struct {
	StoreDriver    string      `yaml:"store_driver"`
	StorePath      string      `yaml:"store_path"`
	StoreDSN       string      `yaml:"store_dsn"`
	MySQL          MySQLConfig `yaml:"mysql"`
	LocalUsers     UserList    `yaml:"localusers"`
	BrokerUsername string      `yaml:"broker_username"`
	BrokerPassword string      `yaml:"broker_password"`

	Platform string        `yaml:"platform"`
	XMPP     XMPPConfig    `yaml:"xmpp"`
	Discord  DiscordConfig `yaml:"discord"`
	Slack    SlackConfig   `yaml:"slack"`

	PollIntervalSec   int    `yaml:"poll_interval_sec"`
	ConnectRetries    int    `yaml:"connect_retries"`
	ConnectBackoffSec int    `yaml:"connect_backoff_sec"`
	NotifyOnOnline    *bool  `yaml:"notify_on_online"`
	RenotifyCron      string `yaml:"renotify_cron"`
	SessionTimeoutSec int    `yaml:"session_timeout_sec"`

	VisitorAPI VisitorAPIConfig `yaml:"visitor_api"`
}

// MySQLConfig holds connection settings for a MySQL-compatible store.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// XMPPConfig tunes the XMPP connection. Host defaults to the domain of
// broker_username.
type XMPPConfig struct {
	Host               string `yaml:"host"`
	Resource           string `yaml:"resource"`
	NoTLS              bool   `yaml:"no_tls"`
	StartTLS           bool   `yaml:"starttls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// DiscordConfig holds the Discord bot credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SlackConfig holds the Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken        string `yaml:"app_token"`
	BotToken        string `yaml:"bot_token"`
	PresencePollSec int    `yaml:"presence_poll_sec"`
}

// VisitorAPIConfig configures the optional visitor-facing HTTP gateway.
// The gateway is disabled when Listen is empty.
type VisitorAPIConfig struct {
	Listen     string  `yaml:"listen"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// UserList accepts either a YAML sequence or a comma-separated string.
type UserList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (u *UserList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var out UserList
		for _, part := range strings.Split(value.Value, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*u = out
		return nil
	case yaml.SequenceNode:
		var raw []string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		var out UserList
		for _, r := range raw {
			if p := strings.TrimSpace(r); p != "" {
				out = append(out, p)
			}
		}
		*u = out
		return nil
	default:
		return fmt.Errorf("line %d: localusers must be a list or a comma-separated string", value.Line)
	}
}

// Contains reports whether addr is one of the configured operators.
func (u UserList) Contains(addr string) bool {
	for _, x := range u {
		if x == addr {
			return true
		}
	}
	return false
}

// Error is returned for any missing or malformed setting. It is always fatal
// at startup.
type Error struct {
	Problems []string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: validation failed: %s", strings.Join(e.Problems, "; "))
}

func (e *Error) Unwrap() error { return e.Err }

// Load reads the YAML file at path and returns the validated named section.
func Load(path, section string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("read %s: %w", path, err)}
	}
	return Parse(data, section)
}

// Parse unmarshals YAML bytes and returns the validated named section.
func Parse(data []byte, section string) (*Config, error) {
	var sections map[string]yaml.Node
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return nil, &Error{Err: fmt.Errorf("parse: %w", err)}
	}
	node, ok := sections[section]
	if !ok {
		return nil, &Error{Err: fmt.Errorf("section %q not found", section)}
	}
	if node.Kind != yaml.MappingNode {
		return nil, &Error{Err: fmt.Errorf("section %q is not a mapping", section)}
	}

	var cfg Config
	if err := normalizeKeys(&node).Decode(&cfg); err != nil {
		return nil, &Error{Err: fmt.Errorf("section %q: %w", section, err)}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalizeKeys strips the optional "seshat_" prefix from top-level keys.
// A prefixed key overrides its unprefixed twin regardless of order.
func normalizeKeys(n *yaml.Node) *yaml.Node {
	out := &yaml.Node{Kind: yaml.MappingNode, Tag: n.Tag, Line: n.Line, Column: n.Column}
	pos := make(map[string]int)
	fromPrefixed := make(map[string]bool)

	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		name := k.Value
		prefixed := strings.HasPrefix(name, keyPrefix)
		name = strings.TrimPrefix(name, keyPrefix)

		if at, seen := pos[name]; seen {
			if fromPrefixed[name] && !prefixed {
				continue
			}
			out.Content[at+1] = v
			fromPrefixed[name] = prefixed
			continue
		}

		key := *k
		key.Value = name
		pos[name] = len(out.Content)
		fromPrefixed[name] = prefixed
		out.Content = append(out.Content, &key, v)
	}
	return out
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.StoreDriver == "" {
		c.StoreDriver = DriverSQLite
	}
	if c.MySQL.Host == "" {
		c.MySQL.Host = "127.0.0.1"
	}
	if c.MySQL.Port == 0 {
		c.MySQL.Port = 3306
	}
	if c.Platform == "" {
		c.Platform = PlatformXMPP
	}
	if c.XMPP.Resource == "" {
		c.XMPP.Resource = "seshat"
	}
	if c.XMPP.Host == "" {
		if _, domain, ok := strings.Cut(c.BrokerUsername, "@"); ok {
			c.XMPP.Host = domain + ":5222"
		}
	}
	if c.Slack.PresencePollSec == 0 {
		c.Slack.PresencePollSec = 30
	}
	if c.PollIntervalSec == 0 {
		c.PollIntervalSec = 2
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = 5
	}
	if c.ConnectBackoffSec == 0 {
		c.ConnectBackoffSec = 2
	}
	if c.NotifyOnOnline == nil {
		on := true
		c.NotifyOnOnline = &on
	}
	if c.VisitorAPI.RatePerSec == 0 {
		c.VisitorAPI.RatePerSec = 1
	}
	if c.VisitorAPI.Burst == 0 {
		c.VisitorAPI.Burst = 5
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.StoreDriver {
	case DriverSQLite:
		if c.StorePath == "" {
			errs = append(errs, "store_path is required")
		}
	case DriverMySQL:
		if c.StoreDSN == "" && c.MySQL.Database == "" {
			errs = append(errs, "store_dsn or mysql.database is required for the mysql driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store_driver %q is not supported", c.StoreDriver))
	}

	if len(c.LocalUsers) == 0 {
		errs = append(errs, "localusers must name at least one operator")
	}
	seen := make(map[string]bool, len(c.LocalUsers))
	for _, u := range c.LocalUsers {
		if seen[u] {
			errs = append(errs, fmt.Sprintf("localusers: %q listed twice", u))
		}
		seen[u] = true
	}

	switch c.Platform {
	case PlatformXMPP:
		if c.BrokerUsername == "" {
			errs = append(errs, "broker_username is required")
		} else if !strings.Contains(c.BrokerUsername, "@") {
			errs = append(errs, fmt.Sprintf("broker_username %q is not a user@domain address", c.BrokerUsername))
		}
	case PlatformDiscord:
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required")
		}
	case PlatformSlack:
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		}
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("platform %q is not supported", c.Platform))
	}

	if c.PollIntervalSec < 0 {
		errs = append(errs, "poll_interval_sec must be positive")
	}
	if c.ConnectRetries < 0 {
		errs = append(errs, "connect_retries must be positive")
	}
	if c.SessionTimeoutSec < 0 {
		errs = append(errs, "session_timeout_sec must not be negative")
	}
	if c.RenotifyCron != "" {
		if _, err := cron.ParseStandard(c.RenotifyCron); err != nil {
			errs = append(errs, fmt.Sprintf("renotify_cron: %v", err))
		}
	}
	if c.VisitorAPI.RatePerSec < 0 || c.VisitorAPI.Burst < 0 {
		errs = append(errs, "visitor_api rate_per_sec and burst must not be negative")
	}

	if len(errs) > 0 {
		return &Error{Problems: errs}
	}
	return nil
}

// PollInterval is how often the broker polls the store.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// ConnectBackoff is the base delay between connection attempts.
func (c *Config) ConnectBackoff() time.Duration {
	return time.Duration(c.ConnectBackoffSec) * time.Second
}

// SessionTimeout is how long a session may wait before it is cancelled.
// Zero disables expiry.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSec) * time.Second
}

// NotifyLateJoiners reports whether operators coming online are sent the
// waiting list.
func (c *Config) NotifyLateJoiners() bool {
	return c.NotifyOnOnline != nil && *c.NotifyOnOnline
}

// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aiku/bridget/pkg/store"
)

//go:embed example-config.yaml
var ExampleConfig string

// Direction selects which way a pairing forwards messages.
type Direction string

const (
	TwoWay Direction = "two-way"
	OneWay Direction = "one-way"
)

// Config is the top-level bridget configuration.
type Config struct {
	Discord     DiscordConfig     `yaml:"discord"`
	SEChat      SEChatConfig      `yaml:"sechat"`
	Database    store.Config      `yaml:"database"`
	TypingRelay TypingRelayConfig `yaml:"typing_relay"`
	// AdminAPIAddr serves /metrics and /healthz. Empty disables it.
	AdminAPIAddr string          `yaml:"admin_api_addr"`
	Logging      LoggingConfig   `yaml:"logging"`
	Limits       LimitsConfig    `yaml:"limits"`
	Reactions    ReactionsConfig `yaml:"reactions"`
	Pairings     []PairingConfig `yaml:"pairings"`
}

type DiscordConfig struct {
	Token string `yaml:"token"`
}

type SEChatConfig struct {
	Host     string `yaml:"host"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

type TypingRelayConfig struct {
	URL string `yaml:"url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// LimitsConfig holds the thresholds of the outbound pipeline and the typing
// relay.
type LimitsConfig struct {
	MaxSingleLine    int           `yaml:"max_single_line"`
	EditWindow       time.Duration `yaml:"edit_window"`
	LatencyThreshold time.Duration `yaml:"latency_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	TypingInterval   time.Duration `yaml:"typing_interval"`
	TypingTTL        time.Duration `yaml:"typing_ttl"`
}

type ReactionsConfig struct {
	TooLong string `yaml:"too_long"`
	Failed  string `yaml:"failed"`
}

// PairingConfig binds one Discord channel (or webhook) to one chat room.
type PairingConfig struct {
	Name      string    `yaml:"name"`
	Direction Direction `yaml:"direction"`
	Guild     string    `yaml:"guild"`
	Channel   string    `yaml:"channel"`
	// Webhook is a Discord webhook URL. Required for one-way pairings.
	Webhook          string            `yaml:"webhook"`
	Room             int               `yaml:"room"`
	RoleSymbols      map[string]string `yaml:"role_symbols"`
	IgnoreGuildUsers []string          `yaml:"ignore_guild_users"`
	IgnoreRoomUsers  []int             `yaml:"ignore_room_users"`
	NoEmbed          []int             `yaml:"no_embed"`
}

// LoadConfig reads a YAML config file and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config data, applies environment overrides and
// validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	for env, dst := range map[string]*string{
		"BRIDGET_DISCORD_TOKEN": &c.Discord.Token,
		"BRIDGET_SE_EMAIL":      &c.SEChat.Email,
		"BRIDGET_SE_PASSWORD":   &c.SEChat.Password,
		"BRIDGET_DATABASE_URI":  &c.Database.URI,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

// PostProcess fills in defaults and validates the config.
func (c *Config) PostProcess() error {
	c.Limits.setDefaults()
	if c.Reactions.TooLong == "" {
		c.Reactions.TooLong = "📏"
	}
	if c.Reactions.Failed == "" {
		c.Reactions.Failed = "❌"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	var errs []error
	if c.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if len(c.Pairings) == 0 {
		errs = append(errs, errors.New("at least one pairing is required"))
	}
	names := make(map[string]struct{}, len(c.Pairings))
	for i := range c.Pairings {
		p := &c.Pairings[i]
		if p.Direction == "" {
			p.Direction = TwoWay
		}
		if p.Name == "" {
			p.Name = fmt.Sprintf("room-%d", p.Room)
		}
		if _, dup := names[p.Name]; dup {
			errs = append(errs, fmt.Errorf("pairing %q: duplicate name", p.Name))
		}
		names[p.Name] = struct{}{}
		if err := p.validate(); err != nil {
			errs = append(errs, fmt.Errorf("pairing %q: %w", p.Name, err))
		}
	}
	if c.HasTwoWay() && (c.SEChat.Email == "" || c.SEChat.Password == "") {
		errs = append(errs, errors.New("sechat.email and sechat.password are required for two-way pairings"))
	}
	return errors.Join(errs...)
}

// HasTwoWay reports whether any pairing needs a logged-in chat account.
func (c *Config) HasTwoWay() bool {
	for _, p := range c.Pairings {
		if p.Direction == TwoWay {
			return true
		}
	}
	return false
}

func (p *PairingConfig) validate() error {
	if p.Room <= 0 {
		return errors.New("room must be a positive id")
	}
	switch p.Direction {
	case TwoWay:
		if p.Channel == "" || p.Guild == "" {
			return errors.New("two-way pairings need guild and channel")
		}
	case OneWay:
		if p.Webhook == "" {
			return errors.New("one-way pairings need a webhook url")
		}
	default:
		return fmt.Errorf("unknown direction %q", p.Direction)
	}
	return nil
}

func (l *LimitsConfig) setDefaults() {
	if l.MaxSingleLine <= 0 {
		l.MaxSingleLine = 500
	}
	if l.EditWindow <= 0 {
		l.EditWindow = 2 * time.Minute
	}
	if l.LatencyThreshold <= 0 {
		l.LatencyThreshold = 5 * time.Second
	}
	if l.Cooldown <= 0 {
		l.Cooldown = 30 * time.Second
	}
	if l.TypingInterval <= 0 {
		l.TypingInterval = 500 * time.Millisecond
	}
	if l.TypingTTL <= 0 {
		l.TypingTTL = 10 * time.Second
	}
}

func (p *PairingConfig) ignoresGuildUser(id string) bool {
	for _, u := range p.IgnoreGuildUsers {
		if u == id {
			return true
		}
	}
	return false
}

func (p *PairingConfig) ignoresRoomUser(id int) bool {
	for _, u := range p.IgnoreRoomUsers {
		if u == id {
			return true
		}
	}
	return false
}

func (p *PairingConfig) noEmbed(id int) bool {
	for _, u := range p.NoEmbed {
		if u == id {
			return true
		}
	}
	return false
}

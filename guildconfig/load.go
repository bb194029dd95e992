package guildconfig

import (
	"fmt"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// BotTokenLength is the exact length of a valid bot token.
const BotTokenLength = 72

type fileConfig struct {
	DBSizeWarningThreshold int64                 `koanf:"db_size_warning_threshold"`
	Bot                    fileBot               `koanf:"bot"`
	Servers                map[string]fileServer `koanf:"servers"`
	Webhooks               map[string]string     `koanf:"webhooks"`
	OperatorWebhookURL     string                `koanf:"operator_webhook_url"`
}

type fileBot struct {
	Token string `koanf:"token"`
}

type fileServer struct {
	Name             string  `koanf:"name"`
	ReportChannelID  *int64  `koanf:"report_channel_id"`
	ReportRolePingID *int64  `koanf:"report_role_ping_id"`
	LogChannelID     *int64  `koanf:"log_channel_id"`
	IgnoredChannels  []int64 `koanf:"ignored_channels"`
}

// LoadFile reads a YAML configuration file. Server IDs are the keys of the
// "servers" map. The bot token, if present, is returned separately.
//
// A server with unusable settings is recorded in Config.Rejected and left
// out; only document-level problems fail the load.
func LoadFile(path string) (*Config, string, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, "", fmt.Errorf("failed to load config file: %w", err)
	}
	return fromKoanf(k)
}

// LoadBytes is LoadFile for an in-memory document.
func LoadBytes(b []byte) (*Config, string, error) {
	k := koanf.New(".")
	if err := k.Load(rawBytes(b), yaml.Parser()); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (*Config, string, error) {
	if !k.Exists("db_size_warning_threshold") {
		k.Set("db_size_warning_threshold", DefaultDBSizeWarningThreshold)
	}

	var fc fileConfig
	if err := k.UnmarshalWithConf("", &fc, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg := &Config{
		Communities:            make(map[snowflake.ID]*CommunityConfig, len(fc.Servers)),
		DBSizeWarningThreshold: fc.DBSizeWarningThreshold,
		Webhooks:               make(map[snowflake.ID]string, len(fc.Webhooks)),
		OperatorWebhookURL:     fc.OperatorWebhookURL,
	}

	for key, srv := range fc.Servers {
		id, err := parseID(key)
		if err != nil {
			cfg.reject(key, fmt.Errorf("%w: server key %q: %v", ErrInvalidConfig, key, err))
			continue
		}
		cc := &CommunityConfig{
			ID:                id,
			Name:              srv.Name,
			LogChannelRef:     optionalID(srv.LogChannelID),
			ReportChannelRef:  optionalID(srv.ReportChannelID),
			ReportPingRef:     optionalID(srv.ReportRolePingID),
			IgnoredChannelIDs: make(map[snowflake.ID]struct{}, len(srv.IgnoredChannels)),
		}
		for _, ch := range srv.IgnoredChannels {
			cc.IgnoredChannelIDs[snowflake.ID(ch)] = struct{}{}
		}
		cfg.Communities[id] = cc
	}

	for key, u := range fc.Webhooks {
		id, err := parseID(key)
		if err != nil {
			return nil, "", fmt.Errorf("%w: webhook key %q: %v", ErrInvalidConfig, key, err)
		}
		cfg.Webhooks[id] = u
	}

	cfg.Quarantine()
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, fc.Bot.Token, nil
}

// ValidateBotToken checks the token has the platform's fixed length.
func ValidateBotToken(tok string) error {
	if len(tok) != BotTokenLength {
		return fmt.Errorf("%w: bot token must be %d characters, got %d", ErrInvalidConfig, BotTokenLength, len(tok))
	}
	return nil
}

func parseID(s string) (snowflake.ID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("id must be positive")
	}
	return snowflake.ID(v), nil
}

func optionalID(v *int64) *snowflake.ID {
	if v == nil {
		return nil
	}
	id := snowflake.ID(*v)
	return &id
}

// rawBytes is a koanf.Provider over a byte slice.
type rawBytes []byte

func (b rawBytes) ReadBytes() ([]byte, error) {
	return b, nil
}

func (b rawBytes) Read() (map[string]interface{}, error) {
	return nil, fmt.Errorf("rawBytes provider does not support Read")
}

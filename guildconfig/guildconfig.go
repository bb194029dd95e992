// Package guildconfig holds resolved per-community ("guild") settings.
//
// A Config is built once (see LoadFile) and handed to a Resolver. Lookups are
// pure and never perform I/O; replacing the configuration is an explicit
// Reload call.
package guildconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
)

// DefaultDBSizeWarningThreshold is in megabytes.
const DefaultDBSizeWarningThreshold = 100

var ErrInvalidConfig = errors.New("invalid configuration")

type CommunityConfig struct {
	ID snowflake.ID
	// only used for logging
	Name string
	// nil disables notifications for the community
	LogChannelRef     *snowflake.ID
	ReportChannelRef  *snowflake.ID
	ReportPingRef     *snowflake.ID
	IgnoredChannelIDs map[snowflake.ID]struct{}
}

// IsIgnoredChannel is safe to call on a nil config.
func (c *CommunityConfig) IsIgnoredChannel(id snowflake.ID) bool {
	if c == nil {
		return false
	}
	_, ok := c.IgnoredChannelIDs[id]
	return ok
}

func (c *CommunityConfig) Validate() error {
	if c.ID == 0 {
		return fmt.Errorf("%w: community without id", ErrInvalidConfig)
	}
	for _, ref := range []*snowflake.ID{c.LogChannelRef, c.ReportChannelRef, c.ReportPingRef} {
		if ref != nil && *ref == 0 {
			return fmt.Errorf("%w: community %s has a zero channel or role reference", ErrInvalidConfig, c.ID)
		}
	}
	return nil
}

type Config struct {
	Communities map[snowflake.ID]*CommunityConfig
	// megabytes; zero disables the warning
	DBSizeWarningThreshold int64
	// notification channel ID -> incoming webhook URL
	Webhooks map[snowflake.ID]string
	// Slack-compatible incoming webhook for operator alerts
	OperatorWebhookURL string
	// communities left out because their settings are unusable, by
	// configured key. They resolve as unconfigured.
	Rejected map[string]error
}

func validCommunity(id snowflake.ID, cc *CommunityConfig) error {
	if cc == nil {
		return fmt.Errorf("%w: community %s has no settings", ErrInvalidConfig, id)
	}
	if cc.ID != id {
		return fmt.Errorf("%w: community key %s does not match id %s", ErrInvalidConfig, id, cc.ID)
	}
	return cc.Validate()
}

func (c *Config) reject(key string, err error) {
	if c.Rejected == nil {
		c.Rejected = make(map[string]error)
	}
	c.Rejected[key] = err
}

// Quarantine moves every community with unusable settings from Communities
// to Rejected. The other communities are untouched.
func (c *Config) Quarantine() {
	for id, cc := range c.Communities {
		if err := validCommunity(id, cc); err != nil {
			c.reject(id.String(), err)
			delete(c.Communities, id)
		}
	}
}

// LogRejected reports each quarantined community at warn level.
func (c *Config) LogRejected(logger *slog.Logger) {
	for key, err := range c.Rejected {
		logger.Warn("community configuration rejected", "guild", key, "err", err)
	}
}

// Validate checks the document-level settings and every community.
func (c *Config) Validate() error {
	for id, cc := range c.Communities {
		if err := validCommunity(id, cc); err != nil {
			return err
		}
	}
	if c.DBSizeWarningThreshold < 0 {
		return fmt.Errorf("%w: negative db_size_warning_threshold", ErrInvalidConfig)
	}
	return nil
}

// Resolver maps community IDs to settings. It is safe for concurrent use.
type Resolver struct {
	cfg atomic.Pointer[Config]
}

func NewResolver(cfg *Config) (*Resolver, error) {
	r := &Resolver{}
	if err := r.Reload(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload atomically replaces the current configuration. Communities with
// unusable settings are quarantined first (see Config.Quarantine) and do not
// block the rest. A document-level error keeps the previous configuration in
// effect.
func (r *Resolver) Reload(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Quarantine()
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.cfg.Store(cfg)
	return nil
}

func (r *Resolver) Current() *Config {
	return r.cfg.Load()
}

func (r *Resolver) Lookup(communityID snowflake.ID) (*CommunityConfig, bool) {
	cfg := r.cfg.Load()
	if cfg == nil {
		return nil, false
	}
	cc, ok := cfg.Communities[communityID]
	return cc, ok
}

// WebhookURL returns the incoming webhook configured for a channel.
func (r *Resolver) WebhookURL(channelID snowflake.ID) (string, bool) {
	cfg := r.cfg.Load()
	if cfg == nil {
		return "", false
	}
	u, ok := cfg.Webhooks[channelID]
	return u, ok && u != ""
}

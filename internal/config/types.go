package config

import "github.com/FoxLisk/RetroSpeedBot/internal/race"

type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Logging   LoggingConfig   `json:"logging"`
	Lifecycle LifecycleConfig `json:"lifecycle"`
	Storage   StorageConfig   `json:"storage"`
}

// DiscordConfig identifies the guild the bot serves and the names of the
// entities the lifecycle engine resolves at startup. Names, not ids: the
// ids are looked up (and re-looked-up on retry) against the live guild.
type DiscordConfig struct {
	Token   string `json:"token"`
	GuildID string `json:"guild_id"`

	SchedulingChannel string `json:"scheduling_channel"`
	ActiveChannel     string `json:"active_channel"`

	CommandPrefix string `json:"command_prefix,omitempty"`

	// RatePerSec caps outbound REST calls (messages, reactions, roles).
	RatePerSec int `json:"rate_per_sec,omitempty"`

	Roles RolesConfig `json:"roles"`
	Emoji EmojiConfig `json:"emoji"`
}

type RolesConfig struct {
	Unconfirmed string `json:"unconfirmed"`
	Confirmed   string `json:"confirmed"`
}

// EmojiConfig names the reactions the bot watches. A value is first
// resolved against the guild's custom emoji; if no custom emoji matches,
// it is used verbatim as a unicode emoji.
type EmojiConfig struct {
	Interested   string `json:"interested"`
	Confirm      string `json:"confirm"`
	Commentating string `json:"commentating,omitempty"`
	Restreaming  string `json:"restreaming,omitempty"`
}

// ForKind maps a reaction kind to its configured emoji name.
func (e EmojiConfig) ForKind(k race.ReactionKind) string {
	switch k {
	case race.ReactionInterested:
		return e.Interested
	case race.ReactionConfirming:
		return e.Confirm
	case race.ReactionCommentating:
		return e.Commentating
	case race.ReactionRestreaming:
		return e.Restreaming
	default:
		return ""
	}
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Discord LoggingDiscord `json:"discord"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingDiscord mirrors warnings+ into a guild channel.
type LoggingDiscord struct {
	Enabled    bool   `json:"enabled"`
	Channel    string `json:"channel"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// LifecycleConfig controls the race lifecycle engine.
//
// All durations are Go duration strings (e.g. "30s", "2m", "1h").
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "60s"
//   - look_ahead: "30m"
//   - nag_thresholds: [60, 30, 15] (minutes before start)
//   - grace_period: "2h"
//   - nag_cache_size: 100
//   - retry_interval: "60s" (startup barrier)
//   - timezone: "America/New_York"
type LifecycleConfig struct {
	PollInterval  string `json:"poll_interval,omitempty"`
	LookAhead     string `json:"look_ahead,omitempty"`
	NagThresholds []int  `json:"nag_thresholds,omitempty"`
	GracePeriod   string `json:"grace_period,omitempty"`
	NagCacheSize  int    `json:"nag_cache_size,omitempty"`
	RetryInterval string `json:"retry_interval,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// StorageConfig controls the sqlite race store.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

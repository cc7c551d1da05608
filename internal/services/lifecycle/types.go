package lifecycle

import (
	"errors"
	"sort"
	"time"

	"github.com/FoxLisk/RetroSpeedBot/internal/transport"
)

var (
	// ErrNoRace means the requested race id doesn't exist.
	ErrNoRace = errors.New("no valid race found")
	// ErrAmbiguous means "complete the current race" matched more than
	// one ACTIVE race; the caller must name one.
	ErrAmbiguous = errors.New("multiple races are currently active")
)

// Config controls the engine.
//
// Defaults (applied by New when fields are zero):
//   - PollInterval: 60s
//   - LookAhead: 30m
//   - NagThresholds: 60, 30, 15 (minutes before start)
//   - GracePeriod: 2h
//   - NagCacheSize: 100
//   - RetryInterval: 60s (startup barrier only)
type Config struct {
	PollInterval  time.Duration
	LookAhead     time.Duration
	NagThresholds []int
	GracePeriod   time.Duration
	NagCacheSize  int
	RetryInterval time.Duration

	// Guild entity names, resolved to ids at the startup barrier.
	SchedulingChannel string
	ActiveChannel     string
	UnconfirmedRole   string
	ConfirmedRole     string
	InterestedEmoji   string
	ConfirmEmoji      string
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.LookAhead <= 0 {
		c.LookAhead = 30 * time.Minute
	}
	if len(c.NagThresholds) == 0 {
		c.NagThresholds = []int{60, 30, 15}
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Hour
	}
	if c.NagCacheSize <= 0 {
		c.NagCacheSize = 100
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 60 * time.Second
	}

	// Largest-first, no duplicates, no nonsense values.
	ts := make([]int, 0, len(c.NagThresholds))
	seen := map[int]bool{}
	for _, t := range c.NagThresholds {
		if t > 0 && !seen[t] {
			seen[t] = true
			ts = append(ts, t)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ts)))
	c.NagThresholds = ts
}

// refs are the platform ids the engine needs; written once when the
// startup barrier clears, read-only afterwards.
type refs struct {
	schedulingCh transport.ChannelID
	activeCh     transport.ChannelID
	unconfirmed  transport.RoleID
	confirmed    transport.RoleID
	interested   string
	confirm      string
	bot          transport.UserID
}

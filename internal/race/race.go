package race

import (
	"errors"
	"fmt"
	"time"
)

// State is the race lifecycle state. It only moves forward:
// SCHEDULED -> ACTIVE -> COMPLETED. The string literals are the
// persistence format; everything else works with the enum.
type State int

const (
	StateScheduled State = iota
	StateActive
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "SCHEDULED"
	case StateActive:
		return "ACTIVE"
	case StateCompleted:
		return "COMPLETED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState maps a persisted literal back to a State.
func ParseState(s string) (State, error) {
	switch s {
	case "SCHEDULED":
		return StateScheduled, nil
	case "ACTIVE":
		return StateActive, nil
	case "COMPLETED":
		return StateCompleted, nil
	default:
		return 0, fmt.Errorf("unknown race state %q", s)
	}
}

var (
	// ErrNotActive is returned when an operation requires an ACTIVE race.
	ErrNotActive = errors.New("race is not currently active")
	// ErrNotScheduled is returned when activating a race that already left SCHEDULED.
	ErrNotScheduled = errors.New("race is not in the scheduled state")
)

// Race is one scheduled community event.
//
// OccursAt is epoch seconds. The message ids are Discord snowflakes kept
// as decimal strings: the platform's native u64 ids are not guaranteed to
// round-trip through the storage engine's integer type. Empty means unset.
type Race struct {
	ID         int64
	GameID     int64
	CategoryID int64

	OccursAt int64
	State    State

	// SchedulingMessageID references the interest-gathering announcement.
	// Set once right after that message is posted, never cleared.
	SchedulingMessageID string

	// ActiveMessageID references the confirmation message. Set once at the
	// SCHEDULED -> ACTIVE transition.
	ActiveMessageID string
}

// New returns an unpersisted race in the SCHEDULED state.
func New(gameID, categoryID int64, occurs time.Time) *Race {
	return &Race{
		GameID:     gameID,
		CategoryID: categoryID,
		OccursAt:   occurs.Unix(),
		State:      StateScheduled,
	}
}

func (r *Race) Occurs() time.Time { return time.Unix(r.OccursAt, 0) }

// MinutesUntil reports whole minutes from now until the start (negative
// once the race has started).
func (r *Race) MinutesUntil(now time.Time) int64 {
	return (r.OccursAt - now.Unix()) / 60
}

// Activate performs the SCHEDULED -> ACTIVE transition, recording the
// confirmation message. Any other starting state is rejected so retried
// activations stay no-ops.
func (r *Race) Activate(activeMessageID string) error {
	if r.State != StateScheduled {
		return ErrNotScheduled
	}
	r.State = StateActive
	r.ActiveMessageID = activeMessageID
	return nil
}

// Complete performs the ACTIVE -> COMPLETED transition.
func (r *Race) Complete() error {
	if r.State != StateActive {
		return ErrNotActive
	}
	r.State = StateCompleted
	return nil
}

func (r *Race) String() string { return fmt.Sprintf("Race #%d", r.ID) }

// Game is a catalog entry. Name is the command-line alias, NamePretty the
// display name. Catalog rows are read-only to the bot.
type Game struct {
	ID         int64
	Name       string
	NamePretty string
}

// Category is a run category within a game.
type Category struct {
	ID         int64
	GameID     int64
	Name       string
	NamePretty string
}

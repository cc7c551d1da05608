package storage

import (
	"context"
	"errors"
	"time"

	"github.com/FoxLisk/RetroSpeedBot/internal/race"
)

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("not found")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the persistence API used by the lifecycle engine and the
// command handlers. Updates are last-write-wins; only the engine mutates
// race state in steady operation.
type Store interface {
	CreateRace(ctx context.Context, r *race.Race) (int64, error)
	RaceByID(ctx context.Context, id int64) (*race.Race, error)
	UpdateRace(ctx context.Context, r *race.Race) error
	RacesByState(ctx context.Context, st race.State) ([]*race.Race, error)
	// RacesByStateInWindow returns races in st whose start time falls in
	// [from, to).
	RacesByStateInWindow(ctx context.Context, st race.State, from, to time.Time) ([]*race.Race, error)

	Games(ctx context.Context) ([]race.Game, error)
	GameByName(ctx context.Context, name string) (*race.Game, error)
	GameByID(ctx context.Context, id int64) (*race.Game, error)
	Categories(ctx context.Context, gameID int64) ([]race.Category, error)
	CategoryByName(ctx context.Context, gameID int64, name string) (*race.Category, error)
	CategoryByID(ctx context.Context, id int64) (*race.Category, error)

	Close() error
}

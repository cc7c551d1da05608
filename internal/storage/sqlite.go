package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/FoxLisk/RetroSpeedBot/internal/race"
	logx "github.com/FoxLisk/RetroSpeedBot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, creating the file and running
// migrations as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, ":") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- races ----

func (s *sqliteStore) CreateRace(ctx context.Context, r *race.Race) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO race(game_id, category_id, state, occurs, scheduling_message_id, active_message_id)
		 VALUES(?,?,?,?,?,?)`,
		r.GameID, r.CategoryID, r.State.String(), r.OccursAt,
		nullStr(r.SchedulingMessageID), nullStr(r.ActiveMessageID),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	r.ID = id
	return id, nil
}

func (s *sqliteStore) RaceByID(ctx context.Context, id int64) (*race.Race, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, game_id, category_id, state, occurs, scheduling_message_id, active_message_id
		 FROM race WHERE id = ?`, id)
	return scanRace(row)
}

func (s *sqliteStore) UpdateRace(ctx context.Context, r *race.Race) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE race SET game_id = ?, category_id = ?, state = ?, occurs = ?,
		        scheduling_message_id = ?, active_message_id = ?
		 WHERE id = ?`,
		r.GameID, r.CategoryID, r.State.String(), r.OccursAt,
		nullStr(r.SchedulingMessageID), nullStr(r.ActiveMessageID), r.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RacesByState(ctx context.Context, st race.State) ([]*race.Race, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, game_id, category_id, state, occurs, scheduling_message_id, active_message_id
		 FROM race WHERE state = ? ORDER BY occurs`, st.String())
	if err != nil {
		return nil, err
	}
	return collectRaces(rows, s.log)
}

func (s *sqliteStore) RacesByStateInWindow(ctx context.Context, st race.State, from, to time.Time) ([]*race.Race, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, game_id, category_id, state, occurs, scheduling_message_id, active_message_id
		 FROM race WHERE state = ? AND occurs >= ? AND occurs < ? ORDER BY occurs`,
		st.String(), from.Unix(), to.Unix())
	if err != nil {
		return nil, err
	}
	return collectRaces(rows, s.log)
}

type rowScanner interface {
	Scan(dst ...any) error
}

func scanRace(row rowScanner) (*race.Race, error) {
	var (
		r        race.Race
		stateStr string
		schedID  sql.NullString
		activeID sql.NullString
	)
	err := row.Scan(&r.ID, &r.GameID, &r.CategoryID, &stateStr, &r.OccursAt, &schedID, &activeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st, err := race.ParseState(stateStr)
	if err != nil {
		return nil, err
	}
	r.State = st
	r.SchedulingMessageID = schedID.String
	r.ActiveMessageID = activeID.String
	return &r, nil
}

func collectRaces(rows *sql.Rows, log logx.Logger) ([]*race.Race, error) {
	defer rows.Close()
	var out []*race.Race
	for rows.Next() {
		r, err := scanRace(rows)
		if err != nil {
			// A single malformed row (e.g. hand-edited state literal)
			// shouldn't hide the rest.
			log.Warn("skipping unreadable race row", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- catalog ----

func (s *sqliteStore) Games(ctx context.Context) ([]race.Game, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, name_pretty FROM game ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []race.Game
	for rows.Next() {
		var g race.Game
		if err := rows.Scan(&g.ID, &g.Name, &g.NamePretty); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GameByName(ctx context.Context, name string) (*race.Game, error) {
	var g race.Game
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, name_pretty FROM game WHERE name = ?`, name).
		Scan(&g.ID, &g.Name, &g.NamePretty)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *sqliteStore) GameByID(ctx context.Context, id int64) (*race.Game, error) {
	var g race.Game
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, name_pretty FROM game WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.NamePretty)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *sqliteStore) Categories(ctx context.Context, gameID int64) ([]race.Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, game_id, name, name_pretty FROM category WHERE game_id = ? ORDER BY name`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []race.Category
	for rows.Next() {
		var c race.Category
		if err := rows.Scan(&c.ID, &c.GameID, &c.Name, &c.NamePretty); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CategoryByName(ctx context.Context, gameID int64, name string) (*race.Category, error) {
	var c race.Category
	err := s.db.QueryRowContext(ctx,
		`SELECT id, game_id, name, name_pretty FROM category WHERE game_id = ? AND name = ?`,
		gameID, name).
		Scan(&c.ID, &c.GameID, &c.Name, &c.NamePretty)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqliteStore) CategoryByID(ctx context.Context, id int64) (*race.Category, error) {
	var c race.Category
	err := s.db.QueryRowContext(ctx,
		`SELECT id, game_id, name, name_pretty FROM category WHERE id = ?`, id).
		Scan(&c.ID, &c.GameID, &c.Name, &c.NamePretty)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

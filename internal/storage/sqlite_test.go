package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/FoxLisk/RetroSpeedBot/internal/race"
	logx "github.com/FoxLisk/RetroSpeedBot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedCatalog(t *testing.T, st Store) (race.Game, race.Category) {
	t.Helper()
	ss := st.(*sqliteStore)
	res, err := ss.db.Exec(`INSERT INTO game(name, name_pretty) VALUES('alttp', 'A Link to the Past')`)
	if err != nil {
		t.Fatalf("seed game: %v", err)
	}
	gid, _ := res.LastInsertId()
	res, err = ss.db.Exec(`INSERT INTO category(game_id, name, name_pretty) VALUES(?, 'ms', 'Master Sword')`, gid)
	if err != nil {
		t.Fatalf("seed category: %v", err)
	}
	cid, _ := res.LastInsertId()
	return race.Game{ID: gid, Name: "alttp", NamePretty: "A Link to the Past"},
		race.Category{ID: cid, GameID: gid, Name: "ms", NamePretty: "Master Sword"}
}

func TestRaceRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	g, c := seedCatalog(t, st)
	ctx := context.Background()

	r := race.New(g.ID, c.ID, time.Unix(1623294000, 0))
	id, err := st.CreateRace(ctx, r)
	if err != nil {
		t.Fatalf("CreateRace: %v", err)
	}
	if id == 0 || r.ID != id {
		t.Fatalf("id not assigned: %d / %d", id, r.ID)
	}

	got, err := st.RaceByID(ctx, id)
	if err != nil {
		t.Fatalf("RaceByID: %v", err)
	}
	if got.State != race.StateScheduled {
		t.Fatalf("state = %v, want SCHEDULED", got.State)
	}
	if got.OccursAt != 1623294000 {
		t.Fatalf("occurs = %d", got.OccursAt)
	}
	if got.SchedulingMessageID != "" || got.ActiveMessageID != "" {
		t.Fatal("message refs should round-trip as empty when unset")
	}

	// Snowflakes beyond int64 range round-trip untouched as text.
	got.SchedulingMessageID = "18446744073709551610"
	if err := got.Activate("852104358928051211"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := st.UpdateRace(ctx, got); err != nil {
		t.Fatalf("UpdateRace: %v", err)
	}

	again, err := st.RaceByID(ctx, id)
	if err != nil {
		t.Fatalf("RaceByID: %v", err)
	}
	if again.SchedulingMessageID != "18446744073709551610" {
		t.Fatalf("scheduling message id = %q", again.SchedulingMessageID)
	}
	if again.ActiveMessageID != "852104358928051211" || again.State != race.StateActive {
		t.Fatalf("activation did not persist: %q / %v", again.ActiveMessageID, again.State)
	}
}

func TestRaceByIDNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if _, err := st.RaceByID(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	r := &race.Race{ID: 999, State: race.StateScheduled}
	if err := st.UpdateRace(context.Background(), r); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update err = %v, want ErrNotFound", err)
	}
}

func TestRacesByStateInWindow(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	g, c := seedCatalog(t, st)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	mk := func(offset time.Duration, s race.State) *race.Race {
		r := race.New(g.ID, c.ID, base.Add(offset))
		r.State = s
		if _, err := st.CreateRace(ctx, r); err != nil {
			t.Fatalf("CreateRace: %v", err)
		}
		return r
	}

	inWindow := mk(10*time.Minute, race.StateScheduled)
	mk(45*time.Minute, race.StateScheduled)       // beyond window
	mk(-5*time.Minute, race.StateScheduled)       // already past
	alsoActive := mk(5*time.Minute, race.StateActive) // right time, wrong state

	got, err := st.RacesByStateInWindow(ctx, race.StateScheduled, base, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("RacesByStateInWindow: %v", err)
	}
	if len(got) != 1 || got[0].ID != inWindow.ID {
		t.Fatalf("window query returned %d races, want just #%d", len(got), inWindow.ID)
	}

	active, err := st.RacesByState(ctx, race.StateActive)
	if err != nil {
		t.Fatalf("RacesByState: %v", err)
	}
	if len(active) != 1 || active[0].ID != alsoActive.ID {
		t.Fatalf("active query returned %d races", len(active))
	}
}

func TestCatalogLookups(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	g, c := seedCatalog(t, st)
	ctx := context.Background()

	games, err := st.Games(ctx)
	if err != nil || len(games) != 1 {
		t.Fatalf("Games = %v, %v", games, err)
	}
	if _, err := st.GameByName(ctx, "alttp"); err != nil {
		t.Fatalf("GameByName: %v", err)
	}
	if _, err := st.GameByName(ctx, "oot"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GameByName miss = %v, want ErrNotFound", err)
	}
	cats, err := st.Categories(ctx, g.ID)
	if err != nil || len(cats) != 1 {
		t.Fatalf("Categories = %v, %v", cats, err)
	}
	got, err := st.CategoryByName(ctx, g.ID, "ms")
	if err != nil || got.ID != c.ID {
		t.Fatalf("CategoryByName = %v, %v", got, err)
	}
	if _, err := st.CategoryByName(ctx, g.ID, "nmg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("CategoryByName miss = %v, want ErrNotFound", err)
	}
}

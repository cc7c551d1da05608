package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/FoxLisk/RetroSpeedBot/internal/race"
	"github.com/FoxLisk/RetroSpeedBot/internal/storage"
	"github.com/FoxLisk/RetroSpeedBot/internal/transport"
	logx "github.com/FoxLisk/RetroSpeedBot/pkg/logx"
)

func testTimeParser(t *testing.T) race.TimeParser {
	t.Helper()
	tp, err := race.NewTimeParser("America/New_York", logx.Nop())
	if err != nil {
		t.Fatalf("NewTimeParser: %v", err)
	}
	return tp
}

// fakeStore is an in-memory Store. Reads hand out copies so a caller's
// mutations only land via UpdateRace, matching the real store.
type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	races  map[int64]*race.Race
	games  map[int64]race.Game
	cats   map[int64]race.Category
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		races: map[int64]*race.Race{},
		games: map[int64]race.Game{
			1: {ID: 1, Name: "alttp", NamePretty: "A Link to the Past"},
		},
		cats: map[int64]race.Category{
			1: {ID: 1, GameID: 1, Name: "nmg", NamePretty: "Any% NMG"},
		},
	}
}

func (f *fakeStore) CreateRace(_ context.Context, r *race.Race) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r.ID = f.nextID
	cp := *r
	f.races[r.ID] = &cp
	return r.ID, nil
}

func (f *fakeStore) RaceByID(_ context.Context, id int64) (*race.Race, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.races[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) UpdateRace(_ context.Context, r *race.Race) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.races[r.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *r
	f.races[r.ID] = &cp
	return nil
}

func (f *fakeStore) RacesByState(_ context.Context, st race.State) ([]*race.Race, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*race.Race
	for _, r := range f.races {
		if r.State == st {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) RacesByStateInWindow(_ context.Context, st race.State, from, to time.Time) ([]*race.Race, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*race.Race
	for _, r := range f.races {
		if r.State == st && r.OccursAt >= from.Unix() && r.OccursAt < to.Unix() {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) Games(_ context.Context) ([]race.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []race.Game
	for _, g := range f.games {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeStore) GameByName(_ context.Context, name string) (*race.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.games {
		if g.Name == name {
			cp := g
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) GameByID(_ context.Context, id int64) (*race.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := g
	return &cp, nil
}

func (f *fakeStore) Categories(_ context.Context, gameID int64) ([]race.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []race.Category
	for _, c := range f.cats {
		if c.GameID == gameID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) CategoryByName(_ context.Context, gameID int64, name string) (*race.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cats {
		if c.GameID == gameID && c.Name == name {
			cp := c
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) CategoryByID(_ context.Context, id int64) (*race.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cats[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := c
	return &cp, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) mustRace(t *testing.T, id int64) *race.Race {
	t.Helper()
	r, err := f.RaceByID(context.Background(), id)
	if err != nil {
		t.Fatalf("RaceByID(%d): %v", id, err)
	}
	return r
}

type sentMessage struct {
	Channel transport.ChannelID
	Text    string
	ID      transport.MessageID
}

type roleChange struct {
	User transport.UserID
	Role transport.RoleID
}

// fakeBus records every Messenger call and serves canned reactor lists
// keyed by message id + emoji.
type fakeBus struct {
	mu       sync.Mutex
	nextMsg  int
	sent     []sentMessage
	reacted  []sentMessage // AddReaction calls; Text holds the emoji
	granted  []roleChange
	revoked  []roleChange
	reactors map[string][]transport.UserID

	sendErr error
}

func newFakeBus() *fakeBus {
	return &fakeBus{reactors: map[string][]transport.UserID{}}
}

func reactorKey(msg transport.MessageID, emoji string) string {
	return string(msg) + "/" + emoji
}

func (b *fakeBus) setReactors(msg transport.MessageID, emoji string, users ...transport.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reactors[reactorKey(msg, emoji)] = users
}

func (b *fakeBus) SendMessage(_ context.Context, ch transport.ChannelID, text string) (transport.MessageID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return "", b.sendErr
	}
	b.nextMsg++
	id := transport.MessageID(fmt.Sprintf("msg-%d", b.nextMsg))
	b.sent = append(b.sent, sentMessage{Channel: ch, Text: text, ID: id})
	return id, nil
}

func (b *fakeBus) AddReaction(_ context.Context, ch transport.ChannelID, msg transport.MessageID, emoji string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reacted = append(b.reacted, sentMessage{Channel: ch, ID: msg, Text: emoji})
	return nil
}

func (b *fakeBus) Reactors(_ context.Context, _ transport.ChannelID, msg transport.MessageID, emoji string) ([]transport.UserID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reactors[reactorKey(msg, emoji)], nil
}

func (b *fakeBus) GrantRole(_ context.Context, user transport.UserID, role transport.RoleID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.granted = append(b.granted, roleChange{User: user, Role: role})
	return nil
}

func (b *fakeBus) RevokeRole(_ context.Context, user transport.UserID, role transport.RoleID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked = append(b.revoked, roleChange{User: user, Role: role})
	return nil
}

func (b *fakeBus) ChannelByName(_ context.Context, name string) (transport.ChannelID, error) {
	return transport.ChannelID("ch-" + name), nil
}

func (b *fakeBus) RoleByName(_ context.Context, name string) (transport.RoleID, error) {
	return transport.RoleID("role-" + name), nil
}

func (b *fakeBus) EmojiByName(_ context.Context, name string) (string, error) {
	return name, nil
}

func (b *fakeBus) BotUserID(_ context.Context) (transport.UserID, error) {
	return "bot", nil
}

func (b *fakeBus) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *fakeBus) lastSent(t *testing.T) sentMessage {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		t.Fatal("no messages sent")
	}
	return b.sent[len(b.sent)-1]
}

var testNow = time.Date(2021, time.June, 9, 22, 45, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Service, *fakeStore, *fakeBus) {
	t.Helper()
	st := newFakeStore()
	bus := newFakeBus()
	s, err := New(Config{
		PollInterval:  time.Minute,
		LookAhead:     30 * time.Minute,
		NagThresholds: []int{60, 30, 15},
		GracePeriod:   2 * time.Hour,
	}, st, bus, bus, testTimeParser(t), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.refs = refs{
		schedulingCh: "ch-scheduling",
		activeCh:     "ch-active",
		unconfirmed:  "role-unconfirmed",
		confirmed:    "role-confirmed",
		interested:   "👀",
		confirm:      "👍",
		bot:          "bot",
	}
	s.now = func() time.Time { return testNow }
	return s, st, bus
}

func seedRace(t *testing.T, st *fakeStore, occurs time.Time, state race.State) int64 {
	t.Helper()
	r := race.New(1, 1, occurs)
	r.SchedulingMessageID = "sched-msg"
	if state != race.StateScheduled {
		if err := r.Activate("active-msg"); err != nil {
			t.Fatalf("Activate: %v", err)
		}
	}
	if state == race.StateCompleted {
		if err := r.Complete(); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	id, err := st.CreateRace(context.Background(), r)
	if err != nil {
		t.Fatalf("CreateRace: %v", err)
	}
	return id
}

func TestActivationInsideWindow(t *testing.T) {
	t.Parallel()
	s, st, bus := newTestEngine(t)
	ctx := context.Background()

	id := seedRace(t, st, testNow.Add(20*time.Minute), race.StateScheduled)
	bus.setReactors("sched-msg", "👀", "bot", "alice", "bob")

	s.tick(ctx)

	r := st.mustRace(t, id)
	if r.State != race.StateActive {
		t.Fatalf("state = %v, want ACTIVE", r.State)
	}
	if r.ActiveMessageID == "" {
		t.Fatal("ActiveMessageID not recorded")
	}
	msg := bus.lastSent(t)
	if msg.Channel != "ch-active" {
		t.Fatalf("confirmation posted to %q", msg.Channel)
	}
	if !strings.Contains(msg.Text, "A Link to the Past") || !strings.Contains(msg.Text, "Any% NMG") {
		t.Fatalf("confirmation text missing catalog names: %q", msg.Text)
	}

	// Non-bot reactors get the unconfirmed role; the bot never does.
	want := map[transport.UserID]bool{"alice": true, "bob": true}
	for _, g := range bus.granted {
		if g.Role != "role-unconfirmed" {
			t.Fatalf("unexpected role grant %+v during activation", g)
		}
		if g.User == "bot" {
			t.Fatal("granted a role to the bot itself")
		}
		delete(want, g.User)
	}
	if len(want) != 0 {
		t.Fatalf("users never granted the unconfirmed role: %v", want)
	}

	// The bot seeds the confirmation reaction on its own message.
	if len(bus.reacted) != 1 || bus.reacted[0].ID != msg.ID || bus.reacted[0].Text != "👍" {
		t.Fatalf("seed reaction = %+v", bus.reacted)
	}
}

func TestActivationIsIdempotentAcrossTicks(t *testing.T) {
	t.Parallel()
	s, st, bus := newTestEngine(t)
	ctx := context.Background()

	seedRace(t, st, testNow.Add(10*time.Minute), race.StateScheduled)
	bus.setReactors("sched-msg", "👀", "alice")

	s.tick(ctx)
	after := bus.sentCount()
	s.tick(ctx)
	s.tick(ctx)

	if got := bus.sentCount(); got != after {
		t.Fatalf("confirmation message posted again: %d sends, want %d", got, after)
	}
}

func TestActivationOutsideWindowWaits(t *testing.T) {
	t.Parallel()
	s, st, bus := newTestEngine(t)
	ctx := context.Background()

	id := seedRace(t, st, testNow.Add(3*time.Hour), race.StateScheduled)
	s.tick(ctx)

	if r := st.mustRace(t, id); r.State != race.StateScheduled {
		t.Fatalf("state = %v, want SCHEDULED", r.State)
	}
	if bus.sentCount() != 0 {
		t.Fatal("message posted for a race outside the look-ahead window")
	}
}

func TestFailedActivationRetriesNextTick(t *testing.T) {
	t.Parallel()
	s, st, bus := newTestEngine(t)
	ctx := context.Background()

	id := seedRace(t, st, testNow.Add(10*time.Minute), race.StateScheduled)
	bus.sendErr = errors.New("rate limited")

	s.tick(ctx)
	if r := st.mustRace(t, id); r.State != race.StateScheduled {
		t.Fatalf("state = %v after failed send, want SCHEDULED", r.State)
	}

	bus.mu.Lock()
	bus.sendErr = nil
	bus.mu.Unlock()

	s.tick(ctx)
	if r := st.mustRace(t, id); r.State != race.StateActive {
		t.Fatalf("state = %v after retry, want ACTIVE", r.State)
	}
}

func TestGracePeriodAutoCompletes(t *testing.T) {
	t.Parallel()
	s, st, bus := newTestEngine(t)
	ctx := context.Background()

	id := seedRace(t, st, testNow.Add(-3*time.Hour), race.StateScheduled)
	// Move it to ACTIVE by hand; it started long ago.
	r := st.mustRace(t, id)
	if err := r.Activate("active-msg"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := st.UpdateRace(ctx, r); err != nil {
		t.Fatalf("UpdateRace: %v", err)
	}
	s.trackParticipant(id, "alice")

	s.tick(ctx)

	if r := st.mustRace(t, id); r.State != race.StateCompleted {
		t.Fatalf("state = %v, want COMPLETED", r.State)
	}
	// Both roles are stripped from tracked participants on completion.
	roles := map[transport.RoleID]bool{}
	for _, rc := range bus.revoked {
		if rc.User == "alice" {
			roles[rc.Role] = true
		}
	}
	if !roles["role-unconfirmed"] || !roles["role-confirmed"] {
		t.Fatalf("revocations = %v, want both roles", roles)
	}
}

func TestReconcileConfirmationFlipsRolesOnce(t *testing.T) {
	t.Parallel()
	s, st, bus := newTestEngine(t)
	ctx := context.Background()

	id := seedRace(t, st, testNow.Add(25*time.Minute), race.StateActive)
	s.trackParticipant(id, "alice")
	bus.setReactors("active-msg", "👍", "bot", "alice")

	s.tick(ctx)
	s.tick(ctx)

	var grants, revokes int
	for _, g := range bus.granted {
		if g.User == "alice" && g.Role == "role-confirmed" {
			grants++
		}
	}
	for _, r := range bus.revoked {
		if r.User == "alice" && r.Role == "role-unconfirmed" {
			revokes++
		}
	}
	if grants != 1 || revokes != 1 {
		t.Fatalf("grants=%d revokes=%d, want 1 and 1", grants, revokes)
	}
}

func TestNagSentForActiveRace(t *testing.T) {
	t.Parallel()
	s, st, bus := newTestEngine(t)
	ctx := context.Background()

	seedRace(t, st, testNow.Add(25*time.Minute), race.StateActive)

	// First tick initializes the nag schedule (60 and 30 already passed).
	s.tick(ctx)
	before := bus.sentCount()

	// 14 minutes out: the 15-minute threshold is due.
	s.now = func() time.Time { return testNow.Add(11 * time.Minute) }
	s.tick(ctx)

	if got := bus.sentCount(); got != before+1 {
		t.Fatalf("sends = %d, want %d", got, before+1)
	}
	msg := bus.lastSent(t)
	if !strings.Contains(msg.Text, "starts in 14 minutes") {
		t.Fatalf("nag text = %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "<@&role-unconfirmed>") {
		t.Fatalf("nag does not mention the unconfirmed role: %q", msg.Text)
	}

	// Same minute again: already consumed.
	s.tick(ctx)
	if got := bus.sentCount(); got != before+1 {
		t.Fatalf("duplicate nag: %d sends", got)
	}
}

func TestCompleteByID(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestEngine(t)
	ctx := context.Background()

	if err := s.CompleteByID(ctx, 42); !errors.Is(err, ErrNoRace) {
		t.Fatalf("unknown id: err = %v, want ErrNoRace", err)
	}

	scheduled := seedRace(t, st, testNow.Add(time.Hour), race.StateScheduled)
	if err := s.CompleteByID(ctx, scheduled); !errors.Is(err, race.ErrNotActive) {
		t.Fatalf("scheduled race: err = %v, want ErrNotActive", err)
	}
	if r := st.mustRace(t, scheduled); r.State != race.StateScheduled {
		t.Fatalf("scheduled race mutated to %v", r.State)
	}

	active := seedRace(t, st, testNow.Add(time.Hour), race.StateActive)
	if err := s.CompleteByID(ctx, active); err != nil {
		t.Fatalf("active race: %v", err)
	}
	if r := st.mustRace(t, active); r.State != race.StateCompleted {
		t.Fatalf("state = %v, want COMPLETED", r.State)
	}
}

func TestCompleteCurrent(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := s.CompleteCurrent(ctx); !errors.Is(err, race.ErrNotActive) {
		t.Fatalf("no active races: err = %v, want ErrNotActive", err)
	}

	a := seedRace(t, st, testNow.Add(time.Hour), race.StateActive)
	b := seedRace(t, st, testNow.Add(2*time.Hour), race.StateActive)

	if _, err := s.CompleteCurrent(ctx); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("two active races: err = %v, want ErrAmbiguous", err)
	}

	if err := s.CompleteByID(ctx, a); err != nil {
		t.Fatalf("CompleteByID: %v", err)
	}
	r, err := s.CompleteCurrent(ctx)
	if err != nil {
		t.Fatalf("CompleteCurrent: %v", err)
	}
	if r.ID != b {
		t.Fatalf("completed race %d, want %d", r.ID, b)
	}
	if got := st.mustRace(t, b); got.State != race.StateCompleted {
		t.Fatalf("state = %v, want COMPLETED", got.State)
	}
}

func TestStartupBarrierResolvesRefs(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestEngine(t)
	s.refs = refs{}
	s.cfg.SchedulingChannel = "race-scheduling"
	s.cfg.ActiveChannel = "active-race"
	s.cfg.UnconfirmedRole = "racer"
	s.cfg.ConfirmedRole = "racing"
	s.cfg.InterestedEmoji = "👀"
	s.cfg.ConfirmEmoji = "👍"

	if err := s.tryResolveRefs(context.Background()); err != nil {
		t.Fatalf("tryResolveRefs: %v", err)
	}
	if s.refs.schedulingCh != "ch-race-scheduling" || s.refs.activeCh != "ch-active-race" {
		t.Fatalf("channels = %+v", s.refs)
	}
	if s.refs.unconfirmed != "role-racer" || s.refs.confirmed != "role-racing" {
		t.Fatalf("roles = %+v", s.refs)
	}
	if s.refs.bot != "bot" {
		t.Fatalf("bot = %q", s.refs.bot)
	}
}

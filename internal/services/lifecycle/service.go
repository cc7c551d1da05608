package lifecycle

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"

	"github.com/FoxLisk/RetroSpeedBot/internal/race"
	"github.com/FoxLisk/RetroSpeedBot/internal/storage"
	"github.com/FoxLisk/RetroSpeedBot/internal/transport"
	logx "github.com/FoxLisk/RetroSpeedBot/pkg/logx"
)

type Service struct {
	cfg   Config
	log   logx.Logger
	store storage.Store
	bus   transport.Messenger
	dir   transport.Directory
	tp    race.TimeParser

	refs  refs
	ready chan struct{}

	// mu guards participants and nags. Both are written on the tick
	// goroutine; the command path reads/writes them on completion.
	mu sync.Mutex
	// participants maps race id -> reacted users; the value records
	// whether the confirmed role has been granted yet. Process-lifetime
	// only: lost on restart, rebuilt from live reaction queries.
	participants map[int64]map[transport.UserID]bool
	nags         *lru.Cache[int64, []int]

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	c         *cron.Cron
	wg        sync.WaitGroup

	now func() time.Time // test seam
}

func New(cfg Config, store storage.Store, bus transport.Messenger, dir transport.Directory, tp race.TimeParser, log logx.Logger) (*Service, error) {
	cfg.applyDefaults()
	cache, err := lru.New[int64, []int](cfg.NagCacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:          cfg,
		log:          log,
		store:        store,
		bus:          bus,
		dir:          dir,
		tp:           tp,
		ready:        make(chan struct{}),
		participants: map[int64]map[transport.UserID]bool{},
		nags:         cache,
		now:          time.Now,
	}, nil
}

// Ready is closed once the startup barrier has resolved all guild
// entities and the tick loop is running.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Start launches the startup barrier and, once it clears, the tick loop.
// It returns immediately; use Ready() to observe the barrier.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true

	rctx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.resolveRefs(rctx) {
			return
		}
		close(s.ready)
		s.log.Info("lifecycle engine ready",
			logx.Duration("poll_interval", s.cfg.PollInterval),
			logx.Duration("look_ahead", s.cfg.LookAhead),
			logx.Any("nag_thresholds", s.cfg.NagThresholds))

		// First tick immediately; cron takes over from there. A tick that
		// overruns the interval is skipped, never overlapped.
		s.tick(rctx)

		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		c.Schedule(cron.Every(s.cfg.PollInterval), cron.FuncJob(func() {
			if rctx.Err() != nil {
				return
			}
			s.tick(rctx)
		}))
		c.Start()

		s.runMu.Lock()
		s.c = c
		s.runMu.Unlock()
	}()
}

// Stop cancels the run context and waits (bounded by ctx) for any
// in-flight tick to finish. Shutdown lands between ticks.
func (s *Service) Stop(ctx context.Context) {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	cancel := s.runCancel
	c := s.c
	s.c = nil
	s.runMu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		if c != nil {
			<-c.Stop().Done()
		}
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// resolveRefs is the startup barrier: it retries on a fixed delay,
// forever, until every guild entity the engine depends on resolves.
// Returns false only when ctx is canceled first.
func (s *Service) resolveRefs(ctx context.Context) bool {
	for {
		err := s.tryResolveRefs(ctx)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		s.log.Warn("guild entities not resolvable yet; retrying",
			logx.Err(err), logx.Duration("retry_in", s.cfg.RetryInterval))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.cfg.RetryInterval):
		}
	}
}

func (s *Service) tryResolveRefs(ctx context.Context) error {
	var r refs
	var err error
	if r.schedulingCh, err = s.dir.ChannelByName(ctx, s.cfg.SchedulingChannel); err != nil {
		return err
	}
	if r.activeCh, err = s.dir.ChannelByName(ctx, s.cfg.ActiveChannel); err != nil {
		return err
	}
	if r.unconfirmed, err = s.dir.RoleByName(ctx, s.cfg.UnconfirmedRole); err != nil {
		return err
	}
	if r.confirmed, err = s.dir.RoleByName(ctx, s.cfg.ConfirmedRole); err != nil {
		return err
	}
	if r.interested, err = s.dir.EmojiByName(ctx, s.cfg.InterestedEmoji); err != nil {
		return err
	}
	if r.confirm, err = s.dir.EmojiByName(ctx, s.cfg.ConfirmEmoji); err != nil {
		return err
	}
	if r.bot, err = s.dir.BotUserID(ctx); err != nil {
		return err
	}
	s.refs = r
	return nil
}

// SchedulingChannel reports the resolved scheduling channel. Blocks
// until the startup barrier clears (or ctx is done).
func (s *Service) SchedulingChannel(ctx context.Context) (transport.ChannelID, error) {
	select {
	case <-s.ready:
		return s.refs.schedulingCh, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// InterestedEmoji reports the resolved interest reaction. Blocks as
// SchedulingChannel does.
func (s *Service) InterestedEmoji(ctx context.Context) (string, error) {
	select {
	case <-s.ready:
		return s.refs.interested, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Service) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in lifecycle tick",
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	start := s.now()
	s.upcomingPass(ctx, start)
	s.activePass(ctx, start)
	s.log.Debug("tick complete", logx.Duration("took", time.Since(start)))
}

func (s *Service) trackParticipant(raceID int64, u transport.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.participants[raceID]
	if set == nil {
		set = map[transport.UserID]bool{}
		s.participants[raceID] = set
	}
	if _, ok := set[u]; !ok {
		set[u] = false
	}
}

func (s *Service) isConfirmed(raceID int64, u transport.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participants[raceID][u]
}

func (s *Service) markConfirmed(raceID int64, u transport.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.participants[raceID]
	if set == nil {
		set = map[transport.UserID]bool{}
		s.participants[raceID] = set
	}
	set[u] = true
}

func (s *Service) takeParticipants(raceID int64) []transport.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.participants[raceID]
	out := make([]transport.UserID, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	delete(s.participants, raceID)
	s.nags.Remove(raceID)
	return out
}

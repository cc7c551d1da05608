package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FoxLisk/RetroSpeedBot/internal/race"
	"github.com/FoxLisk/RetroSpeedBot/internal/storage"
	"github.com/FoxLisk/RetroSpeedBot/internal/transport"
	logx "github.com/FoxLisk/RetroSpeedBot/pkg/logx"
)

// upcomingPass activates SCHEDULED races whose start time has entered
// the look-ahead window. Failures are per-race: the race is retried on
// the next tick and never blocks its neighbors.
func (s *Service) upcomingPass(ctx context.Context, now time.Time) {
	races, err := s.store.RacesByStateInWindow(ctx, race.StateScheduled, now, now.Add(s.cfg.LookAhead))
	if err != nil {
		s.log.Warn("upcoming pass: window query failed", logx.Err(err))
		return
	}
	for _, r := range races {
		if err := s.activate(ctx, r); err != nil {
			s.log.Warn("activation failed; will retry next tick",
				logx.Int64("race", r.ID), logx.Err(err))
		}
	}
}

// activate runs the SCHEDULED -> ACTIVE side-effect sequence. Nothing is
// persisted until the confirmation message exists, so a failed attempt
// leaves the race SCHEDULED and the next tick repeats the whole
// sequence (role grants are idempotent; the message is only posted once
// persistence of the previous steps cannot fail anymore).
func (s *Service) activate(ctx context.Context, r *race.Race) error {
	// Window membership isn't enough: a retried tick must see the state.
	if r.State != race.StateScheduled {
		return nil
	}
	if r.SchedulingMessageID == "" {
		// Cannot recover automatically; needs manual correction.
		s.log.Warn("scheduled race has no scheduling message; skipping",
			logx.Int64("race", r.ID))
		return nil
	}

	reactors, err := s.bus.Reactors(ctx, s.refs.schedulingCh, transport.MessageID(r.SchedulingMessageID), s.refs.interested)
	if err != nil {
		return fmt.Errorf("list interested reactors: %w", err)
	}
	for _, u := range reactors {
		if u == s.refs.bot {
			continue
		}
		if s.isTracked(r.ID, u) {
			continue
		}
		if err := s.bus.GrantRole(ctx, u, s.refs.unconfirmed); err != nil {
			s.log.Warn("granting unconfirmed role failed",
				logx.Int64("race", r.ID), logx.String("user", string(u)), logx.Err(err))
			continue
		}
		s.trackParticipant(r.ID, u)
	}

	text, err := s.confirmationText(ctx, r)
	if err != nil {
		return fmt.Errorf("compose confirmation: %w", err)
	}
	msgID, err := s.bus.SendMessage(ctx, s.refs.activeCh, text)
	if err != nil {
		return fmt.Errorf("post confirmation message: %w", err)
	}
	// The bot seeds the reaction so confirming is one click. If this
	// fails we still persist: re-running activation would post a second
	// confirmation message, which is worse than a missing seed reaction.
	if err := s.bus.AddReaction(ctx, s.refs.activeCh, msgID, s.refs.confirm); err != nil {
		s.log.Warn("seeding confirmation reaction failed",
			logx.Int64("race", r.ID), logx.Err(err))
	}

	if err := r.Activate(string(msgID)); err != nil {
		return err
	}
	if err := s.store.UpdateRace(ctx, r); err != nil {
		return fmt.Errorf("persist activation: %w", err)
	}
	s.log.Info("race activated",
		logx.Int64("race", r.ID),
		logx.Int("interested", len(reactors)),
		logx.Time("occurs", r.Occurs()))
	return nil
}

// activePass reconciles every ACTIVE race: confirmation reactions become
// role flips, overdue races complete, and at most one nag per race may
// fire.
func (s *Service) activePass(ctx context.Context, now time.Time) {
	races, err := s.store.RacesByState(ctx, race.StateActive)
	if err != nil {
		s.log.Warn("active pass: state query failed", logx.Err(err))
		return
	}
	for _, r := range races {
		if now.Sub(r.Occurs()) > s.cfg.GracePeriod {
			if err := s.complete(ctx, r, "grace period elapsed"); err != nil {
				s.log.Warn("auto-completion failed", logx.Int64("race", r.ID), logx.Err(err))
			}
			continue
		}
		if r.ActiveMessageID == "" {
			s.log.Warn("active race has no confirmation message; skipping",
				logx.Int64("race", r.ID))
			continue
		}

		s.reconcileConfirmations(ctx, r)
		s.maybeNag(ctx, r, now)
	}
}

func (s *Service) reconcileConfirmations(ctx context.Context, r *race.Race) {
	reactors, err := s.bus.Reactors(ctx, s.refs.activeCh, transport.MessageID(r.ActiveMessageID), s.refs.confirm)
	if err != nil {
		s.log.Warn("listing confirmations failed", logx.Int64("race", r.ID), logx.Err(err))
		return
	}
	for _, u := range reactors {
		if u == s.refs.bot {
			// The bot seeds its own confirmation reaction.
			continue
		}
		if s.isConfirmed(r.ID, u) {
			continue
		}
		if err := s.bus.RevokeRole(ctx, u, s.refs.unconfirmed); err != nil {
			s.log.Warn("revoking unconfirmed role failed",
				logx.Int64("race", r.ID), logx.String("user", string(u)), logx.Err(err))
		}
		if err := s.bus.GrantRole(ctx, u, s.refs.confirmed); err != nil {
			s.log.Warn("granting confirmed role failed",
				logx.Int64("race", r.ID), logx.String("user", string(u)), logx.Err(err))
			// Not marked confirmed; retried next tick.
			s.trackParticipant(r.ID, u)
			continue
		}
		s.markConfirmed(r.ID, u)
	}
}

func (s *Service) maybeNag(ctx context.Context, r *race.Race, now time.Time) {
	minutes := r.MinutesUntil(now)
	threshold, due := s.nextNag(r.ID, minutes)
	if !due {
		return
	}
	text := s.nagText(ctx, r, minutes)
	if _, err := s.bus.SendMessage(ctx, s.refs.activeCh, text); err != nil {
		// The threshold is already consumed: a lost nag stays lost rather
		// than risking duplicates.
		s.log.Warn("nag send failed", logx.Int64("race", r.ID), logx.Int("threshold", threshold), logx.Err(err))
		return
	}
	s.log.Info("nag sent", logx.Int64("race", r.ID),
		logx.Int("threshold", threshold), logx.Int64("minutes_until_start", minutes))
}

// complete runs the ACTIVE -> COMPLETED transition: best-effort role
// cleanup for everyone tracked, then the terminal persistence write.
func (s *Service) complete(ctx context.Context, r *race.Race, reason string) error {
	if r.State != race.StateActive {
		return race.ErrNotActive
	}

	for _, u := range s.takeParticipants(r.ID) {
		if err := s.bus.RevokeRole(ctx, u, s.refs.unconfirmed); err != nil {
			s.log.Warn("revoking unconfirmed role failed",
				logx.Int64("race", r.ID), logx.String("user", string(u)), logx.Err(err))
		}
		if err := s.bus.RevokeRole(ctx, u, s.refs.confirmed); err != nil {
			s.log.Warn("revoking confirmed role failed",
				logx.Int64("race", r.ID), logx.String("user", string(u)), logx.Err(err))
		}
	}

	if err := r.Complete(); err != nil {
		return err
	}
	if err := s.store.UpdateRace(ctx, r); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}
	s.log.Info("race completed", logx.Int64("race", r.ID), logx.String("reason", reason))
	return nil
}

// CompleteByID is the operator path: complete one race by id.
// Returns ErrNoRace for unknown ids and race.ErrNotActive when the race
// isn't ACTIVE (nothing is mutated in either case).
func (s *Service) CompleteByID(ctx context.Context, id int64) error {
	r, err := s.store.RaceByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNoRace
	}
	if err != nil {
		return err
	}
	if r.State != race.StateActive {
		return race.ErrNotActive
	}
	return s.complete(ctx, r, "operator")
}

// CompleteCurrent completes "the" active race. Refuses with ErrAmbiguous
// when more than one race is ACTIVE rather than guessing.
func (s *Service) CompleteCurrent(ctx context.Context) (*race.Race, error) {
	races, err := s.store.RacesByState(ctx, race.StateActive)
	if err != nil {
		return nil, err
	}
	switch len(races) {
	case 0:
		return nil, race.ErrNotActive
	case 1:
		r := races[0]
		if err := s.complete(ctx, r, "operator"); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, ErrAmbiguous
	}
}

func (s *Service) isTracked(raceID int64, u transport.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.participants[raceID][u]
	return ok
}

func (s *Service) confirmationText(ctx context.Context, r *race.Race) (string, error) {
	g, err := s.store.GameByID(ctx, r.GameID)
	if err != nil {
		return "", err
	}
	c, err := s.store.CategoryByID(ctx, r.CategoryID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s - %s starts at %s! React with %s to confirm you're racing.",
		g.NamePretty, c.NamePretty, s.tp.FormatAnnounce(r.Occurs()), reactionDisplay(s.refs.confirm)), nil
}

func (s *Service) nagText(ctx context.Context, r *race.Race, minutes int64) string {
	what := r.String()
	if g, err := s.store.GameByID(ctx, r.GameID); err == nil {
		if c, err := s.store.CategoryByID(ctx, r.CategoryID); err == nil {
			what = fmt.Sprintf("%s - %s", g.NamePretty, c.NamePretty)
		}
	}
	return fmt.Sprintf("<@&%s> %s starts in %d minutes! React with %s to confirm.",
		s.refs.unconfirmed, what, minutes, reactionDisplay(s.refs.confirm))
}

// reactionDisplay renders a reaction-API emoji ("name:id" or unicode)
// the way it shows in chat.
func reactionDisplay(emoji string) string {
	for i := 0; i < len(emoji); i++ {
		if emoji[i] == ':' {
			return "<:" + emoji + ">"
		}
	}
	return emoji
}

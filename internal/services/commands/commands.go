// Package commands is the chat-command dispatcher: thin glue between
// inbound messages and the catalog, the repository, and the lifecycle
// engine. All heavy lifting lives elsewhere; this package parses text
// and formats replies.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/FoxLisk/RetroSpeedBot/internal/race"
	"github.com/FoxLisk/RetroSpeedBot/internal/services/lifecycle"
	"github.com/FoxLisk/RetroSpeedBot/internal/storage"
	"github.com/FoxLisk/RetroSpeedBot/internal/transport"
	logx "github.com/FoxLisk/RetroSpeedBot/pkg/logx"
)

// Engine is what the dispatcher needs from the lifecycle engine. The
// channel/emoji getters block until the engine's startup barrier clears,
// so a !newrace issued during startup waits instead of failing.
type Engine interface {
	SchedulingChannel(ctx context.Context) (transport.ChannelID, error)
	InterestedEmoji(ctx context.Context) (string, error)
	CompleteByID(ctx context.Context, id int64) error
	CompleteCurrent(ctx context.Context) (*race.Race, error)
}

type Config struct {
	// Prefix marks command messages. Default "!".
	Prefix string
}

type Service struct {
	cfg    Config
	store  storage.Store
	bus    transport.Messenger
	engine Engine
	tp     race.TimeParser
	log    logx.Logger
}

func New(cfg Config, store storage.Store, bus transport.Messenger, engine Engine, tp race.TimeParser, log logx.Logger) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = "!"
	}
	return &Service{cfg: cfg, store: store, bus: bus, engine: engine, tp: tp, log: log}
}

// Run consumes inbound messages until ctx is done or in closes.
func (s *Service) Run(ctx context.Context, in <-chan transport.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			s.Handle(ctx, msg)
		}
	}
}

// Handle dispatches one message. Non-commands and bot messages are
// ignored silently; everything else gets a reply in the channel it
// arrived in.
func (s *Service) Handle(ctx context.Context, msg transport.Message) {
	if msg.Bot {
		return
	}
	if !strings.HasPrefix(msg.Content, s.cfg.Prefix) {
		return
	}
	fields := strings.Fields(msg.Content[len(s.cfg.Prefix):])
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	var reply string
	switch cmd {
	case "bot":
		reply = "Help, I'm alive!"
	case "listgames":
		reply = s.listGames(ctx)
	case "listcategories":
		reply = s.listCategories(ctx, args)
	case "newrace":
		reply = s.newRace(ctx, args)
	case "racedone":
		reply = s.raceDone(ctx, args)
	default:
		return
	}
	if reply == "" {
		return
	}
	if _, err := s.bus.SendMessage(ctx, msg.ChannelID, reply); err != nil {
		s.log.Warn("command reply failed",
			logx.String("command", cmd), logx.String("channel", string(msg.ChannelID)), logx.Err(err))
	}
}

func (s *Service) listGames(ctx context.Context) string {
	games, err := s.store.Games(ctx)
	if err != nil {
		s.log.Warn("listing games failed", logx.Err(err))
		return "Couldn't fetch the game list, sorry."
	}
	parts := []string{"Available games:"}
	for _, g := range games {
		parts = append(parts, fmt.Sprintf("* %s (%s)", g.NamePretty, g.Name))
	}
	return strings.Join(parts, "\n")
}

func (s *Service) listCategories(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return fmt.Sprintf("Please specify game: %slistcategories <game>", s.cfg.Prefix)
	}
	g, err := s.store.GameByName(ctx, args[0])
	if errors.Is(err, storage.ErrNotFound) {
		return "No game found with that name"
	}
	if err != nil {
		s.log.Warn("game lookup failed", logx.String("game", args[0]), logx.Err(err))
		return "Couldn't fetch that game, sorry."
	}
	cats, err := s.store.Categories(ctx, g.ID)
	if err != nil {
		s.log.Warn("listing categories failed", logx.Int64("game", g.ID), logx.Err(err))
		return "Couldn't fetch the category list, sorry."
	}
	parts := []string{fmt.Sprintf("Available categories for %s:", g.NamePretty)}
	for _, c := range cats {
		parts = append(parts, fmt.Sprintf("* %s (%s)", c.NamePretty, c.Name))
	}
	return strings.Join(parts, "\n")
}

func (s *Service) newRace(ctx context.Context, args []string) string {
	syntaxError := fmt.Sprintf(
		"Please use the following format: %[1]snewrace <game alias> <category alias> <time>. For example: `%[1]snewrace alttp ms 6/9/2021 11:00pm`. *Convert to Eastern time first*",
		s.cfg.Prefix)
	if len(args) < 3 {
		return syntaxError
	}
	gameName, catName := args[0], args[1]
	occurs, err := s.tp.Parse(strings.Join(args[2:], " "))
	if err != nil {
		return syntaxError
	}

	g, err := s.store.GameByName(ctx, gameName)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Sprintf("No game found with that name. Try %slistgames", s.cfg.Prefix)
	}
	if err != nil {
		s.log.Warn("game lookup failed", logx.String("game", gameName), logx.Err(err))
		return "Couldn't fetch that game, sorry."
	}
	c, err := s.store.CategoryByName(ctx, g.ID, catName)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Sprintf("No matching category found. try %slistcategories %s", s.cfg.Prefix, g.Name)
	}
	if err != nil {
		s.log.Warn("category lookup failed", logx.String("category", catName), logx.Err(err))
		return "Couldn't fetch that category, sorry."
	}

	r := race.New(g.ID, c.ID, occurs)
	if _, err := s.store.CreateRace(ctx, r); err != nil {
		s.log.Error("creating race failed", logx.Err(err))
		return "Unknown error creating the race. Bug Fox about it."
	}

	if err := s.announce(ctx, r, g, c); err != nil {
		// The race exists but has no scheduling message; the lifecycle
		// engine will skip it until someone fixes it up.
		s.log.Error("posting scheduling message failed", logx.Int64("race", r.ID), logx.Err(err))
		return "The race was created but I couldn't announce it. Bug Fox about it."
	}
	return fmt.Sprintf("A new race has been created: %s - %s at %s",
		g.NamePretty, c.NamePretty, s.tp.FormatAnnounce(occurs))
}

// announce posts the scheduling message, seeds the interest reaction,
// and persists the message ref. The ref is written as soon as the
// message exists; a failed seed reaction is not worth a second
// announcement.
func (s *Service) announce(ctx context.Context, r *race.Race, g *race.Game, c *race.Category) error {
	ch, err := s.engine.SchedulingChannel(ctx)
	if err != nil {
		return err
	}
	interested, err := s.engine.InterestedEmoji(ctx)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("New race scheduled: %s - %s at %s! React with %s if you plan to race.",
		g.NamePretty, c.NamePretty, s.tp.FormatAnnounce(r.Occurs()), displayEmoji(interested))
	msgID, err := s.bus.SendMessage(ctx, ch, text)
	if err != nil {
		return err
	}
	r.SchedulingMessageID = string(msgID)
	if err := s.store.UpdateRace(ctx, r); err != nil {
		return fmt.Errorf("persist scheduling message ref: %w", err)
	}
	if err := s.bus.AddReaction(ctx, ch, msgID, interested); err != nil {
		s.log.Warn("seeding interest reaction failed", logx.Int64("race", r.ID), logx.Err(err))
	}
	return nil
}

func (s *Service) raceDone(ctx context.Context, args []string) string {
	if len(args) > 0 {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Sprintf("That's not a race id. Use %sracedone or %sracedone <id>.", s.cfg.Prefix, s.cfg.Prefix)
		}
		return s.raceDoneReply(s.engine.CompleteByID(ctx, id), id)
	}
	r, err := s.engine.CompleteCurrent(ctx)
	if err != nil {
		return s.raceDoneReply(err, 0)
	}
	return fmt.Sprintf("Race #%d is done. Thanks for racing!", r.ID)
}

func (s *Service) raceDoneReply(err error, id int64) string {
	switch {
	case err == nil:
		return fmt.Sprintf("Race #%d is done. Thanks for racing!", id)
	case errors.Is(err, lifecycle.ErrNoRace):
		return "No valid race found."
	case errors.Is(err, race.ErrNotActive):
		if id != 0 {
			return fmt.Sprintf("Race #%d is not currently active.", id)
		}
		return "There's no race currently active."
	case errors.Is(err, lifecycle.ErrAmbiguous):
		return fmt.Sprintf("Multiple races are active; tell me which one: %sracedone <id>.", s.cfg.Prefix)
	default:
		s.log.Warn("race completion failed", logx.Err(err))
		return "Something went wrong completing the race. Bug Fox about it."
	}
}

func displayEmoji(emoji string) string {
	if strings.ContainsRune(emoji, ':') {
		return "<:" + emoji + ">"
	}
	return emoji
}

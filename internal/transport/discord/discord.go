package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/FoxLisk/RetroSpeedBot/internal/transport"
	logx "github.com/FoxLisk/RetroSpeedBot/pkg/logx"
)

type Config struct {
	Token   string
	GuildID string
	// RatePerSec caps outbound REST calls. discordgo already honors the
	// platform's per-route buckets; this is a coarse global brake so
	// reconciliation bursts (role churn on big races) stay polite.
	RatePerSec int
}

// Adapter implements transport.Adapter on top of discordgo.
type Adapter struct {
	cfg Config
	log logx.Logger

	sess    *discordgo.Session
	limiter *rate.Limiter

	out       chan<- transport.Message
	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	// droppedMessages counts inbound messages dropped because the consumer
	// was slower than the gateway. Logged periodically, not per message.
	droppedMessages uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	if strings.TrimSpace(cfg.GuildID) == "" {
		return nil, errors.New("discord guild_id is empty")
	}
	sess, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, err
	}
	sess.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentGuildMessageReactions |
		discordgo.IntentMessageContent

	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		sess:    sess,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Message) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.out = out

	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil {
			return
		}
		if a.sess.State != nil && a.sess.State.User != nil && m.Author.ID == a.sess.State.User.ID {
			return
		}
		msg := transport.Message{
			ID:        transport.MessageID(m.ID),
			ChannelID: transport.ChannelID(m.ChannelID),
			AuthorID:  transport.UserID(m.Author.ID),
			Author:    m.Author.Username,
			Content:   m.Content,
			Bot:       m.Author.Bot,
		}
		select {
		case out <- msg:
		default:
			atomic.AddUint64(&a.droppedMessages, 1)
		}
	})

	if err := a.sess.Open(); err != nil {
		cancel()
		return fmt.Errorf("open gateway: %w", err)
	}
	a.running = true
	a.log.Info("discord gateway connected", logx.String("guild", a.cfg.GuildID))

	// Periodic summary for dropped messages (avoid per-message log spam).
	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				if n := atomic.SwapUint64(&a.droppedMessages, 0); n > 0 {
					a.log.Warn("inbound messages dropped (channel full)", logx.Uint64("count", n))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedMessages, 0); n > 0 {
					a.log.Warn("inbound messages dropped (channel full)", logx.Uint64("count", n))
				}
			}
		}
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	if a.runCancel != nil {
		a.runCancel()
	}
	err := a.sess.Close()
	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

func (a *Adapter) wait(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	return a.limiter.Wait(ctx)
}

// ---- Messenger ----

func (a *Adapter) SendMessage(ctx context.Context, ch transport.ChannelID, text string) (transport.MessageID, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	m, err := a.sess.ChannelMessageSend(string(ch), text)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return transport.MessageID(m.ID), nil
}

func (a *Adapter) AddReaction(ctx context.Context, ch transport.ChannelID, msg transport.MessageID, emoji string) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	if err := a.sess.MessageReactionAdd(string(ch), string(msg), emoji); err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	return nil
}

func (a *Adapter) Reactors(ctx context.Context, ch transport.ChannelID, msg transport.MessageID, emoji string) ([]transport.UserID, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	// One page only; the platform caps this endpoint at 100 users.
	users, err := a.sess.MessageReactions(string(ch), string(msg), emoji, 100, "", "")
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	out := make([]transport.UserID, 0, len(users))
	for _, u := range users {
		out = append(out, transport.UserID(u.ID))
	}
	return out, nil
}

func (a *Adapter) GrantRole(ctx context.Context, user transport.UserID, role transport.RoleID) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	if err := a.sess.GuildMemberRoleAdd(a.cfg.GuildID, string(user), string(role)); err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

func (a *Adapter) RevokeRole(ctx context.Context, user transport.UserID, role transport.RoleID) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	if err := a.sess.GuildMemberRoleRemove(a.cfg.GuildID, string(user), string(role)); err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return nil
}

// ---- Directory ----

func (a *Adapter) ChannelByName(ctx context.Context, name string) (transport.ChannelID, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	chans, err := a.sess.GuildChannels(a.cfg.GuildID)
	if err != nil {
		return "", fmt.Errorf("list channels: %w", err)
	}
	for _, c := range chans {
		if c.Type == discordgo.ChannelTypeGuildText && c.Name == name {
			return transport.ChannelID(c.ID), nil
		}
	}
	return "", fmt.Errorf("no text channel named %q", name)
}

func (a *Adapter) RoleByName(ctx context.Context, name string) (transport.RoleID, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	roles, err := a.sess.GuildRoles(a.cfg.GuildID)
	if err != nil {
		return "", fmt.Errorf("list roles: %w", err)
	}
	for _, r := range roles {
		if r.Name == name {
			return transport.RoleID(r.ID), nil
		}
	}
	return "", fmt.Errorf("no role named %q", name)
}

func (a *Adapter) EmojiByName(ctx context.Context, name string) (string, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	emojis, err := a.sess.GuildEmojis(a.cfg.GuildID)
	if err != nil {
		return "", fmt.Errorf("list emojis: %w", err)
	}
	for _, e := range emojis {
		if e.Name == name {
			return e.APIName(), nil
		}
	}
	// Not a guild custom emoji; assume plain unicode.
	return name, nil
}

func (a *Adapter) BotUserID(ctx context.Context) (transport.UserID, error) {
	if a.sess.State != nil && a.sess.State.User != nil {
		return transport.UserID(a.sess.State.User.ID), nil
	}
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	u, err := a.sess.User("@me")
	if err != nil {
		return "", fmt.Errorf("identify bot user: %w", err)
	}
	return transport.UserID(u.ID), nil
}

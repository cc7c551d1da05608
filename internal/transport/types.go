package transport

import "context"

// Snowflake ids are carried as opaque decimal strings end to end.
type (
	ChannelID string
	MessageID string
	UserID    string
	RoleID    string
)

// Message is one inbound chat message the command dispatcher consumes.
type Message struct {
	ID        MessageID
	ChannelID ChannelID
	AuthorID  UserID
	Author    string
	Content   string
	Bot       bool
}

// Messenger is the capability contract the core consumes from the chat
// platform. Calls are fallible per call; the core treats failures as
// soft and retries on its own cadence. Role grant/revoke are idempotent
// from the caller's perspective.
type Messenger interface {
	SendMessage(ctx context.Context, ch ChannelID, text string) (MessageID, error)
	AddReaction(ctx context.Context, ch ChannelID, msg MessageID, emoji string) error
	// Reactors lists users who reacted with emoji, up to one page
	// (platform cap: 100 users).
	Reactors(ctx context.Context, ch ChannelID, msg MessageID, emoji string) ([]UserID, error)
	GrantRole(ctx context.Context, user UserID, role RoleID) error
	RevokeRole(ctx context.Context, user UserID, role RoleID) error
}

// Directory resolves guild entities by name. Used by the lifecycle
// engine's startup barrier and by the logging sink; results are stable
// for the life of the process once resolved.
type Directory interface {
	ChannelByName(ctx context.Context, name string) (ChannelID, error)
	RoleByName(ctx context.Context, name string) (RoleID, error)
	// EmojiByName resolves a custom emoji to its reaction-API form
	// ("name:id"); unknown names are returned verbatim, which is how
	// plain unicode emoji are expressed.
	EmojiByName(ctx context.Context, name string) (string, error)
	BotUserID(ctx context.Context) (UserID, error)
}

// Adapter is the full platform client: connection lifecycle, inbound
// message feed, and both capability surfaces.
type Adapter interface {
	Messenger
	Directory

	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
}

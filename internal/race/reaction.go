package race

// ReactionKind is the closed set of reactions the bot cares about. Each
// kind is mapped to its platform-specific emoji at the transport
// boundary (config names it, the adapter resolves it).
type ReactionKind int

const (
	ReactionInterested ReactionKind = iota
	ReactionConfirming
	ReactionCommentating
	ReactionRestreaming
)

func (k ReactionKind) String() string {
	switch k {
	case ReactionInterested:
		return "interested"
	case ReactionConfirming:
		return "confirming"
	case ReactionCommentating:
		return "commentating"
	case ReactionRestreaming:
		return "restreaming"
	default:
		return "unknown"
	}
}

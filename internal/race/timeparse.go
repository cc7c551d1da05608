package race

import (
	"errors"
	"sort"
	"strings"
	"time"

	// The community's canonical timezone must resolve even on containers
	// without a system zoneinfo database.
	_ "time/tzdata"

	logx "github.com/FoxLisk/RetroSpeedBot/pkg/logx"
)

// DefaultTimezone is the community's canonical timezone. All race times
// are entered and displayed in this zone regardless of where members live.
const DefaultTimezone = "America/New_York"

// timeLayout accepts "MM/DD/YYYY hh:mmam|pm"; input is lowercased first.
const timeLayout = "1/2/2006 3:04pm"

var (
	// ErrBadTimeFormat is returned for input that doesn't match the layout.
	ErrBadTimeFormat = errors.New("time does not match MM/DD/YYYY hh:mmam|pm")
	// ErrNonexistentTime is returned for civil times skipped by a DST
	// spring-forward transition.
	ErrNonexistentTime = errors.New("time does not exist in the target timezone")
)

// TimeParser resolves free-text race times to absolute instants in a
// fixed target timezone.
type TimeParser struct {
	Loc *time.Location
	Log logx.Logger
}

// NewTimeParser builds a parser for the named zone (DefaultTimezone when
// empty).
func NewTimeParser(tz string, log logx.Logger) (TimeParser, error) {
	if strings.TrimSpace(tz) == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return TimeParser{}, err
	}
	return TimeParser{Loc: loc, Log: log}, nil
}

// Parse interprets text as a local civil time in the parser's zone.
//
// Civil-time ambiguity policy:
//   - exactly one instant: return it
//   - two instants (DST fall-back): return the earlier one and warn
//   - zero instants (DST spring-forward): ErrNonexistentTime
func (p TimeParser) Parse(text string) (time.Time, error) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	naive, err := time.Parse(timeLayout, normalized)
	if err != nil {
		return time.Time{}, ErrBadTimeFormat
	}

	loc := p.Loc
	if loc == nil {
		loc = time.UTC
	}

	y, mo, d := naive.Date()
	h, mi := naive.Hour(), naive.Minute()

	// time.Date silently normalizes nonexistent or ambiguous civil times
	// to one instant of the runtime's choosing. Probe the hour on either
	// side and keep every instant whose wall clock round-trips to the
	// requested fields; that makes the gap and fall-back cases explicit.
	base := time.Date(y, mo, d, h, mi, 0, 0, loc)
	candidates := []time.Time{base.Add(-time.Hour), base, base.Add(time.Hour)}

	var matches []time.Time
	for _, c := range candidates {
		cy, cmo, cd := c.Date()
		if cy == y && cmo == mo && cd == d && c.Hour() == h && c.Minute() == mi {
			dup := false
			for _, m := range matches {
				if m.Equal(c) {
					dup = true
					break
				}
			}
			if !dup {
				matches = append(matches, c)
			}
		}
	}

	switch len(matches) {
	case 0:
		return time.Time{}, ErrNonexistentTime
	case 1:
		return matches[0], nil
	default:
		sort.Slice(matches, func(i, j int) bool { return matches[i].Before(matches[j]) })
		p.Log.Warn("ambiguous local time; using the earlier instant",
			logx.String("input", normalized),
			logx.Time("chosen", matches[0]),
			logx.Time("other", matches[1]))
		return matches[0], nil
	}
}

// FormatAnnounce renders an instant the way race announcements show it,
// e.g. "Wednesday, June 09 at 11:00PM".
func (p TimeParser) FormatAnnounce(t time.Time) string {
	loc := p.Loc
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("Monday, January 02 at 3:04PM")
}

package lifecycle

// The nag schedule is a per-race descending list of minutes-before-start
// thresholds not yet fired, held in a fixed-capacity LRU keyed by race
// id. Eviction of a live race merely re-initializes its list against the
// then-current minutes-until-start, so thresholds that passed while the
// entry was evicted never fire: fewer nags, never duplicates.

// nextNag consumes and returns the next due threshold for a race, if
// any. At most one threshold is consumed per call (one nag per race per
// tick).
func (s *Service) nextNag(raceID int64, minutesUntilStart int64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining, ok := s.nags.Get(raceID)
	if !ok {
		remaining = pruneThresholds(s.cfg.NagThresholds, minutesUntilStart)
		s.nags.Add(raceID, remaining)
		// Everything kept is strictly below the current minutes count,
		// so nothing can be due on the tick that initialized the entry.
		return 0, false
	}
	if len(remaining) == 0 {
		return 0, false
	}
	next := remaining[0]
	if minutesUntilStart >= int64(next) {
		return 0, false
	}
	s.nags.Add(raceID, remaining[1:])
	return next, true
}

// pruneThresholds keeps the thresholds still ahead of a race first
// observed with maxMinutes left. Thresholds already passed at first
// observation are never fired. Input and output are largest-first.
func pruneThresholds(all []int, maxMinutes int64) []int {
	out := make([]int, 0, len(all))
	for _, t := range all {
		if int64(t) < maxMinutes {
			out = append(out, t)
		}
	}
	return out
}

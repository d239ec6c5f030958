package synthesis

import (
	"slices"
	"strings"
	"time"
)

// Event is one successful action in a tenant's history.
type Event struct {
	ActionType string
	At         time.Time
}

// Pattern is the dominant action sequence found in a history.
type Pattern struct {
	Actions        []string
	Frequency      int
	TotalSequences int
}

// Confidence is the share of sequences that match the pattern.
func (p Pattern) Confidence() float64 {
	if p.TotalSequences == 0 {
		return 0
	}
	return float64(p.Frequency) / float64(p.TotalSequences)
}

// Sequences splits time-ordered events into runs where each event follows
// the previous one within window. Runs of one event are dropped.
func Sequences(events []Event, window time.Duration) [][]string {
	var out [][]string
	var current []string
	var last time.Time
	flush := func() {
		if len(current) > 1 {
			out = append(out, current)
		}
		current = nil
	}
	for i, ev := range events {
		if i > 0 && ev.At.Sub(last) > window {
			flush()
		}
		current = append(current, ev.ActionType)
		last = ev.At
	}
	flush()
	return out
}

// DominantPattern returns the most frequent sequence. Ties go to the
// sequence that occurred first. ok is false when there are no sequences.
func DominantPattern(events []Event, window time.Duration) (Pattern, bool) {
	seqs := Sequences(events, window)
	if len(seqs) == 0 {
		return Pattern{}, false
	}

	type bucket struct {
		actions []string
		count   int
		first   int
	}
	buckets := make(map[string]*bucket)
	for i, seq := range seqs {
		key := strings.Join(seq, "\x00")
		b, ok := buckets[key]
		if !ok {
			b = &bucket{actions: seq, first: i}
			buckets[key] = b
		}
		b.count++
	}

	var best *bucket
	for _, b := range buckets {
		if best == nil || b.count > best.count || (b.count == best.count && b.first < best.first) {
			best = b
		}
	}
	return Pattern{
		Actions:        slices.Clone(best.actions),
		Frequency:      best.count,
		TotalSequences: len(seqs),
	}, true
}

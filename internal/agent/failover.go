package agent

import "strings"

// IsToolFailure reports whether a tool result signals failure. The
// registry prefixes every failure with "Error".
func IsToolFailure(result string) bool {
	return strings.HasPrefix(result, "Error")
}

// Failover tracks consecutive tool failures for one session and moves
// the active model to the fallback once the streak reaches the
// threshold. The move is one-way: nothing switches back.
type Failover struct {
	active    string
	fallback  string
	threshold int
	failures  int
}

// NewFailover starts on model. An empty fallback disables switching.
// Thresholds below one are treated as one.
func NewFailover(model, fallback string, threshold int) *Failover {
	return &Failover{
		active:    model,
		fallback:  fallback,
		threshold: max(1, threshold),
	}
}

// Model returns the active model.
func (f *Failover) Model() string { return f.active }

// Failures returns the current streak length.
func (f *Failover) Failures() int { return f.failures }

// Record applies one iteration's tool results in order. A failure
// extends the streak and any success resets it, so the last result of
// the batch decides. An empty batch resets the streak.
func (f *Failover) Record(results []string) {
	if len(results) == 0 {
		f.failures = 0
		return
	}
	for _, r := range results {
		if IsToolFailure(r) {
			f.failures++
		} else {
			f.failures = 0
		}
	}
}

// Reset clears the streak.
func (f *Failover) Reset() { f.failures = 0 }

// Maybe switches to the fallback model when the streak has reached the
// threshold. It returns the previous model and whether a switch
// happened.
func (f *Failover) Maybe() (from string, switched bool) {
	if f.fallback == "" || f.active == f.fallback {
		return "", false
	}
	if f.failures < f.threshold {
		return "", false
	}
	from = f.active
	f.active = f.fallback
	f.failures = 0
	return from, true
}

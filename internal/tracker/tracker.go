// Package tracker models the per-torrent tracker tier list: ordered tiers
// of URLs per the multi-tracker extension (BEP-12), with promotion of
// successful URLs/tiers to the front and per-tracker exponential backoff
// independent of the announcer-level consecutive-failure counter.
package tracker

import (
	"math"
	"net/url"
	"time"

	"github.com/haldorn/torsim/internal/randutils"
)

const (
	// MinRetryDelay bounds how soon a failed tracker may be retried.
	MinRetryDelay = 5 * time.Second
	// MaxRetryDelay bounds how long a failed tracker's backoff may grow.
	MaxRetryDelay = 60 * time.Minute
	// MaxHistorySize caps the recent-outcome history kept per tracker.
	MaxHistorySize = 3
)

// Outcome records one announce attempt against a single tracker URL.
type Outcome struct {
	Interval time.Duration
	Seeders  int32
	Leechers int32
	Error    string
}

// entry is one tracker URL within a tier.
type entry struct {
	url          *url.URL
	fails        int16
	nextAnnounce time.Time
	history      []Outcome
}

// TierList holds the ordered tiers of tracker URLs for one torrent and the
// rotation/backoff state for each.
type TierList struct {
	tiers [][]*entry
}

// NewTierList builds a tier list from an ordered list of tiers of URL
// strings, shuffling within each tier per BEP-12. Malformed URLs are
// dropped.
func NewTierList(tiers [][]string) *TierList {
	tl := &TierList{}
	for _, tier := range tiers {
		shuffled := make([]string, len(tier))
		copy(shuffled, tier)
		randutils.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		var entries []*entry
		for _, raw := range shuffled {
			u, err := url.Parse(raw)
			if err != nil {
				continue
			}
			entries = append(entries, &entry{url: u})
		}
		if len(entries) > 0 {
			tl.tiers = append(tl.tiers, entries)
		}
	}
	return tl
}

// Empty reports whether the tier list has no usable tracker URLs.
func (tl *TierList) Empty() bool {
	return len(tl.tiers) == 0
}

// Current returns the URL that the next announce should be sent to: the
// head of the head tier.
func (tl *TierList) Current() (url.URL, bool) {
	if tl.Empty() || len(tl.tiers[0]) == 0 {
		return url.URL{}, false
	}
	return *tl.tiers[0][0].url, true
}

// Succeed promotes the current URL to the front of its tier, and that tier
// to the front of the tier list, resetting its failure count.
func (tl *TierList) Succeed(outcome Outcome) {
	if tl.Empty() || len(tl.tiers[0]) == 0 {
		return
	}
	e := tl.tiers[0][0]
	e.fails = 0
	e.nextAnnounce = time.Now().Add(outcome.Interval)
	enqueueHistory(e, outcome)
	// tier[0] is already the head tier and e is already at its head.
}

// Failed advances to the next URL within the current tier, or to the next
// tier if the current one is exhausted, rotating the exhausted URL/tier to
// the back. A tier is exhausted once each of its URLs has failed as many
// times as the one that just failed. It returns true if every tier is
// exhausted after this call (a complete failure pass, which counts as one
// announcer-level consecutive failure).
func (tl *TierList) Failed(outcome Outcome, backoffRatio int) bool {
	if tl.Empty() || len(tl.tiers[0]) == 0 {
		return true
	}
	tier := tl.tiers[0]
	e := tier[0]
	e.fails++
	enqueueHistory(e, outcome)
	e.nextAnnounce = time.Now().Add(backoff(e.fails, outcome.Interval, backoffRatio))

	// rotate this URL to the back of its tier.
	tier = append(tier[1:], e)
	tl.tiers[0] = tier

	failedAsOften := func(t []*entry) bool {
		for _, other := range t {
			if other.fails < e.fails {
				return false
			}
		}
		return true
	}
	if !failedAsOften(tier) {
		// there is another URL to try within this tier before rotating tiers.
		return false
	}
	// every URL in the head tier has now been tried without success;
	// rotate the whole tier to the back.
	if len(tl.tiers) > 1 {
		tl.tiers = append(tl.tiers[1:], tl.tiers[0])
	}
	for _, t := range tl.tiers {
		if !failedAsOften(t) {
			return false
		}
	}
	return true
}

// CanAnnounce reports whether the current (head) tracker's next announce
// time has passed: the interval after its last success, or the backoff
// after its last failure.
func (tl *TierList) CanAnnounce(now time.Time) bool {
	if tl.Empty() || len(tl.tiers[0]) == 0 {
		return false
	}
	return !now.Before(tl.tiers[0][0].nextAnnounce)
}

// NextAnnounceAt returns the time at which the current (head) tracker's
// backoff will have elapsed, so a caller can schedule the next attempt
// without re-deriving the backoff math.
func (tl *TierList) NextAnnounceAt() (time.Time, bool) {
	if tl.Empty() || len(tl.tiers[0]) == 0 {
		return time.Time{}, false
	}
	return tl.tiers[0][0].nextAnnounce, true
}

func enqueueHistory(e *entry, outcome Outcome) {
	e.history = append(e.history, outcome)
	if len(e.history) > MaxHistorySize {
		e.history = e.history[len(e.history)-MaxHistorySize:]
	}
}

// backoff computes the exponential per-tracker retry delay:
// max(retryInterval, min(MaxRetryDelay, (MinRetryDelay + fails²·MinRetryDelay) × backoffRatio/100)).
func backoff(fails int16, retryInterval time.Duration, backoffRatio int) time.Duration {
	failSquare := time.Duration(int64(fails)*int64(fails)) * MinRetryDelay
	candidate := math.Min(
		MaxRetryDelay.Seconds(),
		(MinRetryDelay+failSquare).Seconds()*float64(backoffRatio)/100.0,
	)
	seconds := math.Max(retryInterval.Seconds(), candidate)
	return time.Duration(seconds * float64(time.Second))
}

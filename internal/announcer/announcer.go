// Package announcer holds one torrent's announce state: its tracker tier
// list, emulated transfer counters, elected swarm view, and lifecycle
// stage. An Announcer owns no goroutine of its own — the orchestrator's
// scheduling loop decides when it is due, and the response handler chain
// is the only thing that mutates it once a tracker has answered.
package announcer

import (
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/tracker"
	"github.com/haldorn/torsim/internal/announce"
	"github.com/haldorn/torsim/internal/emulatedclient"
	trackerstate "github.com/haldorn/torsim/internal/tracker"
	"github.com/haldorn/torsim/internal/torrentmeta"
	"go.uber.org/atomic"
)

// State is the lifecycle stage of one torrent's announcer.
type State int32

const (
	StateNew State = iota
	StateStarted
	StateRegular
	StateStopped
)

// DefaultBackoffRatio scales the per-tracker exponential backoff; 100
// applies it unscaled, matching the teacher's default.
const DefaultBackoffRatio = 100

// Announcer is one torrent's announce bookkeeping. All exported methods
// are safe for concurrent use: the scheduling loop reads it to build
// requests while the handler chain mutates it from an executor worker.
type Announcer struct {
	Info *torrentmeta.Info

	tiers        *trackerstate.TierList
	stats        *stats
	swarm        *swarm
	backoffRatio int
	ratioTarget  float64 // -1 disables the upload-ratio-limit check

	state               atomic.Int32
	consecutiveFailures atomic.Int32
}

// New builds an announcer for one torrent. ratioTarget of -1 disables the
// upload-ratio-limit check entirely.
func New(info *torrentmeta.Info, ratioTarget float64) *Announcer {
	return &Announcer{
		Info:         info,
		tiers:        trackerstate.NewTierList(info.Tiers()),
		stats:        newStats(info.Size),
		swarm:        newSwarm(),
		backoffRatio: DefaultBackoffRatio,
		ratioTarget:  ratioTarget,
	}
}

func (a *Announcer) InfoHash() torrent.InfoHash { return a.Info.InfoHash }

func (a *Announcer) State() State { return State(a.state.Load()) }

// Empty reports whether this torrent has no usable tracker at all, in
// which case it can never be started.
func (a *Announcer) Empty() bool { return a.tiers.Empty() }

func (a *Announcer) Seeders() int32  { return a.swarm.Seeders() }
func (a *Announcer) Leechers() int32 { return a.swarm.Leechers() }

func (a *Announcer) ConsecutiveFailures() int32 { return a.consecutiveFailures.Load() }

// AddUploaded credits bytes emulated-uploaded this tick, called by the
// bandwidth dispatcher.
func (a *Announcer) AddUploaded(n int64) {
	a.stats.AddUploaded(n)
}

// UploadedBytes returns the cumulative emulated uploaded byte count.
func (a *Announcer) UploadedBytes() int64 {
	return a.stats.Uploaded()
}

// HasReachedUploadRatioTarget reports whether this torrent's emulated
// upload-to-size ratio has reached the configured target. It is always
// false when the target is disabled (-1) or the torrent's size is 0.
func (a *Announcer) HasReachedUploadRatioTarget() bool {
	if a.ratioTarget < 0 || a.Info.Size <= 0 {
		return false
	}
	ratio := float64(a.stats.Uploaded()) / float64(a.Info.Size)
	return ratio >= a.ratioTarget
}

// BuildRequest composes the next announce.Request for event using the
// tier list's current URL. It reports ok=false if no tracker is
// currently usable (empty tier list).
func (a *Announcer) BuildRequest(fp *emulatedclient.Fingerprint, event tracker.AnnounceEvent) (announce.Request, bool) {
	u, ok := a.tiers.Current()
	if !ok {
		return announce.Request{}, false
	}

	numWant := fp.NumWant
	if event == tracker.Stopped {
		numWant = fp.NumWantOnStop
	}

	return announce.Request{
		URL:        u,
		InfoHash:   a.Info.InfoHash,
		Downloaded: a.stats.Downloaded(),
		Left:       a.stats.Left(),
		Uploaded:   a.stats.Uploaded(),
		Corrupt:    a.stats.Corrupted(),
		Event:      event,
		Private:    a.Info.Private,
		NumWant:    numWant,
		Key:        uint32(fp.KeyFor(a.Info.InfoHash, event)),
	}, true
}

// ApplySuccess is the "tracker update" step of the response handler
// chain: it advances the lifecycle state, promotes the answering tracker
// to the front of its tier, and re-elects the swarm view from the
// reported seeder/leecher counts.
func (a *Announcer) ApplySuccess(resp announce.Response) State {
	a.consecutiveFailures.Store(0)

	var next State
	switch {
	case resp.Request.Event == tracker.Stopped:
		next = StateStopped
	case a.State() == StateNew:
		next = StateStarted
	default:
		next = StateRegular
	}
	a.state.Store(int32(next))

	a.tiers.Succeed(trackerstate.Outcome{
		Interval: resp.Interval,
		Seeders:  resp.Seeders,
		Leechers: resp.Leechers,
	})
	if next != StateStopped {
		a.swarm.Update(resp.Request.URL.Host, resp.Interval, resp.Seeders, resp.Leechers)
	}
	return next
}

// ApplyFailure is the failure-side "tracker update" step: it advances the
// failed tracker (and, if its tier is now exhausted, the tier list) and,
// when this failure completes a failed pass over every tier, counts one
// more consecutive failure. It returns the current consecutive failure
// count.
func (a *Announcer) ApplyFailure(cause string) int32 {
	if a.tiers.Failed(trackerstate.Outcome{Error: cause}, a.backoffRatio) {
		return a.consecutiveFailures.Inc()
	}
	return a.consecutiveFailures.Load()
}

// NextAnnounceDelay reports how long to wait before this announcer's
// current tracker may be tried again, per its own per-tracker backoff
// state. It is 0 if that tracker has never been tried or is already due.
func (a *Announcer) NextAnnounceDelay(now time.Time) time.Duration {
	at, ok := a.tiers.NextAnnounceAt()
	if !ok || !at.After(now) {
		return 0
	}
	return at.Sub(now)
}

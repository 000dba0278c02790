// Package handlerchain implements the fixed, ordered chain of reactions
// run against one announcer every time a tracker answers: bookkeeping
// update, peers update, rescheduling, client notification, and event
// publication. The chain is invoked synchronously on the executor worker
// that performed the announce — it owns no goroutine of its own.
package handlerchain

import (
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/tracker"
	"github.com/haldorn/torsim/internal/announce"
	"github.com/haldorn/torsim/internal/announcer"
	"github.com/haldorn/torsim/internal/events"
)

// DefaultMaxConsecutiveFailures is how many announce failures in a row
// (across all trackers, one full tier-list pass each) trigger
// onTooManyFailedInARow.
const DefaultMaxConsecutiveFailures = 5

// failureBackoffCap bounds the announcer-level retry delay scheduled
// after a failure, independent of the per-tracker backoff already
// applied inside the tier list.
const failureBackoffCap = 5 * time.Minute

// PeersUpdater is the bandwidth dispatcher's ingestion point for a fresh
// seeder/leecher count, used to recompute that torrent's weight.
type PeersUpdater interface {
	UpdatePeers(infoHash torrent.InfoHash, seeders, leechers int32)
}

// Scheduler re-arms an announcer's next attempt; it is the orchestrator's
// delay queue, addressed by the announcer itself so re-adding it can
// apply MRU discipline to the active set.
type Scheduler interface {
	Reschedule(a *announcer.Announcer, event tracker.AnnounceEvent, delay time.Duration)
}

// Reactions are the orchestrator-level effects the client-notification
// step (chain step 4) may trigger. Any left nil is treated as a no-op.
type Reactions struct {
	OnNoMorePeers             func(*announcer.Announcer)
	OnUploadRatioLimitReached func(*announcer.Announcer)
	OnTorrentHasStopped       func(*announcer.Announcer)
	OnTooManyFailedInARow     func(*announcer.Announcer)
}

// Chain runs the five-step response handler chain.
type Chain struct {
	MaxConsecutiveFailures int32
	Bandwidth              PeersUpdater
	Scheduler              Scheduler
	Bus                    *events.Bus
	Reactions              Reactions
}

// New builds a Chain with DefaultMaxConsecutiveFailures.
func New(bandwidth PeersUpdater, scheduler Scheduler, bus *events.Bus, reactions Reactions) *Chain {
	return &Chain{
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		Bandwidth:              bandwidth,
		Scheduler:              scheduler,
		Bus:                    bus,
		Reactions:              reactions,
	}
}

// HandleSuccess runs the chain for a well-formed tracker reply.
func (c *Chain) HandleSuccess(a *announcer.Announcer, resp announce.Response) {
	event := resp.Request.Event

	// 1. Tracker update.
	state := a.ApplySuccess(resp)

	if state != announcer.StateStopped {
		// 2. Peers update.
		if c.Bandwidth != nil {
			c.Bandwidth.UpdatePeers(a.InfoHash(), resp.Seeders, resp.Leechers)
		}
		// 3. Rescheduling: next attempt carries event "none".
		if c.Scheduler != nil {
			c.Scheduler.Reschedule(a, tracker.None, resp.Interval)
		}
	}

	// 4. Client notification.
	switch {
	case state == announcer.StateStopped:
		c.react(c.Reactions.OnTorrentHasStopped, a)
	default:
		if resp.Seeders < 1 || resp.Leechers < 1 {
			c.react(c.Reactions.OnNoMorePeers, a)
		}
		if event != tracker.Started && a.HasReachedUploadRatioTarget() {
			c.react(c.Reactions.OnUploadRatioLimitReached, a)
		}
	}

	// 5. Event publication.
	if c.Bus != nil {
		c.Bus.EmitSuccessfullyAnnounced(events.SuccessfullyAnnouncedEvent{
			InfoHash: a.InfoHash(),
			Tracker:  resp.Request.URL,
			Event:    event,
			At:       time.Now(),
			Seeders:  resp.Seeders,
			Leechers: resp.Leechers,
			Interval: resp.Interval,
		})
	}
}

// HandleFailure runs the chain for a transport or protocol failure.
func (c *Chain) HandleFailure(a *announcer.Announcer, fail announce.Failure) {
	// 1. Tracker update (failure side: advance the tier, count the failure).
	consecutive := a.ApplyFailure(fail.Err.Error())

	// 2. Peers update: nothing to do on failure.

	// 3. Rescheduling, unless this was a final "stopped" announce.
	if c.Scheduler != nil && fail.Request.Event != tracker.Stopped {
		delay := fail.Interval
		if delay <= 0 || delay > failureBackoffCap {
			delay = failureBackoffCap
		}
		c.Scheduler.Reschedule(a, tracker.None, delay)
	}

	// 4. Client notification.
	if consecutive >= c.MaxConsecutiveFailures {
		c.react(c.Reactions.OnTooManyFailedInARow, a)
	}

	// 5. Event publication.
	if c.Bus != nil {
		c.Bus.EmitFailedToAnnounce(events.FailedToAnnounceEvent{
			InfoHash: a.InfoHash(),
			Tracker:  fail.Request.URL,
			Event:    fail.Request.Event,
			At:       time.Now(),
			Error:    fail.Err.Error(),
		})
	}
}

func (c *Chain) react(fn func(*announcer.Announcer), a *announcer.Announcer) {
	if fn != nil {
		fn(a)
	}
}

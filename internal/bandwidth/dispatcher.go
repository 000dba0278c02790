// Package bandwidth periodically credits every active torrent with its
// emulated upload progress and, on a slower cadence, resamples a global
// upload budget and redistributes it across torrents in proportion to
// their weight (a function of their seeder/leecher population).
package bandwidth

import (
	"context"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/haldorn/torsim/internal/announcer"
	"github.com/haldorn/torsim/internal/events"
	"github.com/haldorn/torsim/internal/logging"
	"github.com/haldorn/torsim/internal/randutils"
	"github.com/haldorn/torsim/internal/weight"
	"go.uber.org/zap"
)

// DefaultTickInterval is how often the dispatcher credits uploaded bytes.
const DefaultTickInterval = 5 * time.Second

// BudgetRefreshInterval is how often the dispatcher resamples its global
// upload budget and recomputes every torrent's speed. This is
// deliberately ~2 minutes, not 20: a prior implementation's constant name
// overstated its own period.
const BudgetRefreshInterval = 2 * time.Minute

// Listener receives the full per-torrent speed map every time the
// dispatcher recomputes it.
type Listener interface {
	OnSpeedsChanged(speeds map[torrent.InfoHash]int64)
}

// Dispatcher owns the set of currently active announcers, crediting each
// with emulated upload progress every tick and periodically resampling
// the global upload budget they share.
type Dispatcher struct {
	MinUploadRate int64 // bytes/sec
	MaxUploadRate int64 // bytes/sec

	tickInterval   time.Duration
	refreshEveryN  int

	mu        sync.Mutex
	active    map[torrent.InfoHash]*announcer.Announcer
	weights   *weight.Holder
	speeds    map[torrent.InfoHash]int64
	tickCount int

	bus      *events.Bus
	listener Listener
}

// New builds a Dispatcher. minUploadRate/maxUploadRate bound the
// uniformly sampled global budget, in bytes/sec.
func New(minUploadRate, maxUploadRate int64, bus *events.Bus) *Dispatcher {
	refreshEveryN := int(BudgetRefreshInterval / DefaultTickInterval)
	if refreshEveryN < 1 {
		refreshEveryN = 1
	}
	return &Dispatcher{
		MinUploadRate: minUploadRate,
		MaxUploadRate: maxUploadRate,
		tickInterval:  DefaultTickInterval,
		refreshEveryN: refreshEveryN,
		active:        make(map[torrent.InfoHash]*announcer.Announcer),
		weights:       weight.NewHolder(),
		speeds:        make(map[torrent.InfoHash]int64),
		bus:           bus,
	}
}

// SetListener registers the single listener notified after every budget
// refresh. Only one listener is supported, matching the teacher's
// dispatcher.
func (d *Dispatcher) SetListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listener = l
}

// Add makes a announcer eligible to receive upload credit and to
// participate in the weighted budget split.
func (d *Dispatcher) Add(a *announcer.Announcer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[a.InfoHash()] = a
}

// Remove drops a torrent from the active set and its weight contribution.
func (d *Dispatcher) Remove(infoHash torrent.InfoHash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, infoHash)
	delete(d.speeds, infoHash)
	d.weights.Remove(infoHash)
	d.refreshBudgetLocked()
}

// UpdatePeers satisfies handlerchain.PeersUpdater: it feeds a fresh
// seeder/leecher count into the weight holder and immediately recomputes
// every active torrent's share, so a peer-count change is never left
// serving a stale speed until the next periodic refresh. Implements the
// response handler chain's "peers update" step.
func (d *Dispatcher) UpdatePeers(infoHash torrent.InfoHash, seeders, leechers int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.weights.AddOrUpdate(infoHash, int64(seeders), int64(leechers))
	d.refreshBudgetLocked()
}

// Run ticks every tickInterval, crediting upload progress, and every
// refreshEveryN ticks resamples the global budget and republishes
// per-torrent speeds. It blocks until ctx is cancelled. Errors never
// surface past this loop: a bad tick is logged and the loop continues.
func (d *Dispatcher) Run(ctx context.Context) {
	logger := logging.GetLogger()
	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("bandwidth: tick panicked, continuing", zap.Any("recover", r))
					}
				}()
				d.tick()
			}()
		}
	}
}

func (d *Dispatcher) tick() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for infoHash, a := range d.active {
		speed := d.speeds[infoHash]
		if speed <= 0 {
			continue
		}
		delta := speed * int64(d.tickInterval/time.Millisecond) / 1000
		a.AddUploaded(delta)
	}

	d.tickCount++
	if d.tickCount < d.refreshEveryN {
		return
	}
	d.tickCount = 0
	d.refreshBudgetLocked()
}

// refreshBudgetLocked resamples the global budget and recomputes every
// active torrent's share of it. Must be called with mu held.
func (d *Dispatcher) refreshBudgetLocked() {
	budget := randutils.Range(d.MinUploadRate, d.MaxUploadRate)
	totalWeight := d.weights.TotalWeight()

	var assigned int64
	var heaviest torrent.InfoHash
	heaviestWeight := -1.0
	for infoHash := range d.active {
		if totalWeight <= 0 {
			d.speeds[infoHash] = 0
			continue
		}
		w := d.weights.WeightFor(infoHash)
		share := w / totalWeight
		d.speeds[infoHash] = int64(float64(budget) * share)
		assigned += d.speeds[infoHash]
		if w > heaviestWeight {
			heaviest, heaviestWeight = infoHash, w
		}
	}
	// Truncating each share loses under one byte/sec per torrent; that
	// remainder goes to the heaviest torrent so the shares add up to budget.
	if dust := budget - assigned; heaviestWeight > 0 && dust > 0 && dust < int64(len(d.active)) {
		d.speeds[heaviest] += dust
	}

	if d.bus != nil {
		d.bus.EmitGlobalBandwidthChanged(events.GlobalBandwidthChangedEvent{AvailableBandwidth: budget})
	}

	if d.listener != nil {
		snapshot := make(map[torrent.InfoHash]int64, len(d.speeds))
		for k, v := range d.speeds {
			snapshot[k] = v
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.GetLogger().Error("bandwidth: listener panicked, continuing", zap.Any("recover", r))
				}
			}()
			d.listener.OnSpeedsChanged(snapshot)
		}()
	}
}

// Package orchestrator owns the set of currently-seeding torrents and the
// scheduling loop that drives their announces. It is the Client-equivalent
// of this emulator: it decides which torrents are active, feeds due
// announces to the executor, and reacts to what the response handler chain
// reports back.
//
// All mutation of the active set happens on a single goroutine, serialized
// through a command channel, the same actor idiom the teacher's manager
// used in place of a reader/writer lock. The delay queue and the announce
// queue are independently thread-safe, so the handler chain (running on an
// executor worker) may call Reschedule directly without going through the
// command channel.
package orchestrator

import (
	"context"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/tracker"
	"github.com/haldorn/torsim/internal/announce"
	"github.com/haldorn/torsim/internal/announcer"
	"github.com/haldorn/torsim/internal/bandwidth"
	"github.com/haldorn/torsim/internal/config"
	"github.com/haldorn/torsim/internal/emulatedclient"
	"github.com/haldorn/torsim/internal/events"
	"github.com/haldorn/torsim/internal/handlerchain"
	"github.com/haldorn/torsim/internal/logging"
	"github.com/haldorn/torsim/internal/queue"
	"github.com/haldorn/torsim/internal/stop"
	"github.com/haldorn/torsim/internal/torrentfile"
	"github.com/haldorn/torsim/internal/torrentmeta"
	"go.uber.org/zap"
)

// pollInterval is how long the scheduling loop waits between passes over
// the delay queue, independent of any individual entry's own delay.
const pollInterval = 1 * time.Second

// scheduleEntry is what the delay queue holds for one torrent: the
// announcer to run and which event its next announce should carry.
type scheduleEntry struct {
	announcer *announcer.Announcer
	event     tracker.AnnounceEvent
}

// Orchestrator is the active seeding set and its scheduling loop.
type Orchestrator struct {
	cfg         *config.SeedConfig
	fingerprint *emulatedclient.Fingerprint
	delayQueue  *queue.DelayQueue
	announceQ   *announce.Queue
	chain       *handlerchain.Chain
	dispatcher  *bandwidth.Dispatcher
	provider    *torrentfile.Provider
	bus         *events.Bus

	commands   chan func()
	dueBatches chan []*queue.Entry
	stopCh     stop.Chan

	feederDone    chan struct{}
	feederStopped chan struct{}
	unregister    func()

	// active and order are touched exclusively from the command-processing
	// goroutine (run); no lock guards them.
	active   map[torrent.InfoHash]*announcer.Announcer
	order    []torrent.InfoHash
	stopping bool
}

// New builds an Orchestrator. Call SetChain before Start: the chain and
// the orchestrator reference each other (the chain calls back into
// Reschedule/reactions; the orchestrator hands the chain to every
// announce it submits), so they're wired together after both exist.
func New(cfg *config.SeedConfig, fp *emulatedclient.Fingerprint, dispatcher *bandwidth.Dispatcher, provider *torrentfile.Provider, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		fingerprint:   fp,
		delayQueue:    queue.New(),
		announceQ:     announce.NewQueue(),
		dispatcher:    dispatcher,
		provider:      provider,
		bus:           bus,
		commands:      make(chan func(), 64),
		dueBatches:    make(chan []*queue.Entry),
		stopCh:        stop.NewChan(),
		feederDone:    make(chan struct{}),
		feederStopped: make(chan struct{}),
		active:        make(map[torrent.InfoHash]*announcer.Announcer),
	}
}

// SetChain wires the response handler chain this orchestrator submits
// every announce with. Must be called before Start.
func (o *Orchestrator) SetChain(chain *handlerchain.Chain) {
	o.chain = chain
}

// AnnounceQueue exposes the shared queue the executor drains.
func (o *Orchestrator) AnnounceQueue() *announce.Queue {
	return o.announceQ
}

// Start populates the initial active set, spawns the scheduling loop and
// its delay-queue feeder, and registers the orchestrator as a torrent file
// listener.
func (o *Orchestrator) Start() {
	go o.run()
	go o.feed()

	done := make(chan struct{})
	o.commands <- func() {
		o.populateInitial()
		close(done)
	}
	<-done

	o.unregister = o.provider.RegisterListener(o)
}

// Stop runs the shutdown sequence: stop accepting new work, unregister
// from the file provider, join the scheduling loop, and convert every
// still-pending non-started request into a stopped variant submitted to
// the executor. It does not itself wait for the executor to drain those
// submissions — the caller must keep the executor running until this
// returns, then shut the executor down separately.
func (o *Orchestrator) Stop(ctx context.Context) error {
	req := stop.NewRequest(ctx)
	o.stopCh <- req
	return req.AwaitDone()
}

// Reschedule satisfies handlerchain.Scheduler: it re-arms an announcer's
// next attempt. Safe to call from any goroutine; the delay queue is
// internally synchronized.
func (o *Orchestrator) Reschedule(a *announcer.Announcer, event tracker.AnnounceEvent, delay time.Duration) {
	o.delayQueue.AddOrReplace(a.InfoHash(), &scheduleEntry{announcer: a, event: event}, delay)
}

// OnTorrentFileAdded satisfies torrentfile.Listener.
func (o *Orchestrator) OnTorrentFileAdded(info *torrentmeta.Info) {
	o.commands <- func() { o.onTorrentFileAdded(info) }
}

// OnTorrentFileRemoved satisfies torrentfile.Listener.
func (o *Orchestrator) OnTorrentFileRemoved(hash torrent.InfoHash) {
	o.commands <- func() { o.onTorrentFileRemoved(hash) }
}

func (o *Orchestrator) triggerNoMorePeers(a *announcer.Announcer) {
	o.commands <- func() { o.onNoMorePeers(a) }
}

func (o *Orchestrator) triggerUploadRatioLimitReached(a *announcer.Announcer) {
	o.commands <- func() { o.onUploadRatioLimitReached(a) }
}

func (o *Orchestrator) triggerTorrentHasStopped(a *announcer.Announcer) {
	o.commands <- func() { o.onTorrentHasStopped(a) }
}

func (o *Orchestrator) triggerTooManyFailedInARow(a *announcer.Announcer) {
	o.commands <- func() { o.onTooManyFailedInARow(a) }
}

// Reactions builds the handlerchain.Reactions bound to this orchestrator's
// trigger methods, for wiring into handlerchain.New.
func (o *Orchestrator) Reactions() handlerchain.Reactions {
	return handlerchain.Reactions{
		OnNoMorePeers:             o.triggerNoMorePeers,
		OnUploadRatioLimitReached: o.triggerUploadRatioLimitReached,
		OnTorrentHasStopped:       o.triggerTorrentHasStopped,
		OnTooManyFailedInARow:     o.triggerTooManyFailedInARow,
	}
}

// run is the single goroutine that owns the active set. Every mutation of
// active/order happens here.
func (o *Orchestrator) run() {
	for {
		select {
		case cmd := <-o.commands:
			cmd()
		case due := <-o.dueBatches:
			o.dispatchDue(due)
		case req := <-o.stopCh:
			o.doStop(req)
			return
		}
	}
}

// feed repeatedly blocks on the delay queue and forwards ready batches to
// the command loop, pausing pollInterval between passes. It exits once
// feederDone is closed.
func (o *Orchestrator) feed() {
	defer close(o.feederStopped)
	for {
		due := o.delayQueue.GetAvailable(o.feederDone)
		if due == nil {
			return
		}
		select {
		case o.dueBatches <- due:
		case <-o.feederDone:
			return
		}
		select {
		case <-time.After(pollInterval):
		case <-o.feederDone:
			return
		}
	}
}

func (o *Orchestrator) populateInitial() {
	if o.cfg.Unbounded() {
		for _, info := range o.provider.Known() {
			o.addTorrent(info)
		}
		return
	}
	for i := 0; i < o.cfg.SimultaneousSeed; i++ {
		info, err := o.provider.GetTorrentNotIn(o.excludedSet())
		if err != nil {
			break
		}
		o.addTorrent(info)
	}
}

func (o *Orchestrator) dispatchDue(due []*queue.Entry) {
	logger := logging.GetLogger()
	for _, e := range due {
		se, ok := e.Value.(*scheduleEntry)
		if !ok {
			continue
		}
		o.touchMRU(se.announcer.InfoHash())

		req, ok := se.announcer.BuildRequest(o.fingerprint, se.event)
		if !ok {
			logger.Warn("orchestrator: torrent has no usable tracker, skipping announce",
				zap.String("infoHash", se.announcer.InfoHash().HexString()))
			continue
		}
		a := se.announcer
		req.Callbacks = announce.Callbacks{
			Success: func(r announce.Response) { o.chain.HandleSuccess(a, r) },
			Failed:  func(f announce.Failure) { o.chain.HandleFailure(a, f) },
		}
		if o.bus != nil {
			o.bus.EmitWillAnnounce(events.WillAnnounceEvent{
				InfoHash: a.InfoHash(),
				Tracker:  req.URL,
				Event:    req.Event,
				Uploaded: req.Uploaded,
			})
		}
		o.announceQ.Enqueue(req)
	}
}

func (o *Orchestrator) addTorrent(info *torrentmeta.Info) {
	a := announcer.New(info, o.cfg.UploadRatioTarget)
	if a.Empty() {
		logging.GetLogger().Warn("orchestrator: torrent has no announce URL, skipping",
			zap.String("name", info.Name))
		return
	}

	o.active[info.InfoHash] = a
	o.order = append(o.order, info.InfoHash)
	o.dispatcher.Add(a)
	if o.bus != nil {
		o.bus.EmitTorrentAdded(events.TorrentAddedEvent{InfoHash: info.InfoHash, Name: info.Name, Size: info.Size})
	}
	o.delayQueue.AddOrReplace(info.InfoHash, &scheduleEntry{announcer: a, event: tracker.Started}, 0)
}

func (o *Orchestrator) removeFromActive(hash torrent.InfoHash) {
	if _, ok := o.active[hash]; !ok {
		return
	}
	delete(o.active, hash)
	for i, h := range o.order {
		if h == hash {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.dispatcher.Remove(hash)
	if o.bus != nil {
		o.bus.EmitTorrentRemoved(events.TorrentRemovedEvent{InfoHash: hash})
	}
}

func (o *Orchestrator) touchMRU(hash torrent.InfoHash) {
	for i, h := range o.order {
		if h == hash {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.order = append(o.order, hash)
}

func (o *Orchestrator) excludedSet() map[torrent.InfoHash]struct{} {
	out := make(map[torrent.InfoHash]struct{}, len(o.active))
	for h := range o.active {
		out[h] = struct{}{}
	}
	return out
}

func (o *Orchestrator) tryPromoteReplacement() {
	if !o.cfg.Unbounded() && len(o.active) >= o.cfg.SimultaneousSeed {
		return
	}
	info, err := o.provider.GetTorrentNotIn(o.excludedSet())
	if err != nil {
		return
	}
	o.addTorrent(info)
}

func (o *Orchestrator) onTorrentFileAdded(info *torrentmeta.Info) {
	if o.stopping {
		return
	}
	if o.cfg.Unbounded() || len(o.active) < o.cfg.SimultaneousSeed {
		o.addTorrent(info)
	}
}

func (o *Orchestrator) onTorrentFileRemoved(hash torrent.InfoHash) {
	a, ok := o.active[hash]
	if !ok {
		return
	}
	o.delayQueue.AddOrReplace(hash, &scheduleEntry{announcer: a, event: tracker.Stopped}, time.Second)
}

func (o *Orchestrator) onTorrentHasStopped(a *announcer.Announcer) {
	o.removeFromActive(a.InfoHash())
	if !o.stopping {
		o.tryPromoteReplacement()
	}
}

func (o *Orchestrator) onNoMorePeers(a *announcer.Announcer) {
	if o.cfg.KeepTorrentWithZeroLeechers {
		return
	}
	if err := o.provider.Archive(a.InfoHash()); err != nil {
		logging.GetLogger().Warn("orchestrator: failed to archive zero-leecher torrent", zap.Error(err))
	}
}

func (o *Orchestrator) onUploadRatioLimitReached(a *announcer.Announcer) {
	if err := o.provider.Archive(a.InfoHash()); err != nil {
		logging.GetLogger().Warn("orchestrator: failed to archive torrent that reached its ratio target", zap.Error(err))
	}
}

func (o *Orchestrator) onTooManyFailedInARow(a *announcer.Announcer) {
	logger := logging.GetLogger().With(zap.String("infoHash", a.InfoHash().HexString()))
	if o.cfg.ArchiveOnTooManyFailures {
		if err := o.provider.Archive(a.InfoHash()); err != nil {
			logger.Warn("orchestrator: failed to archive torrent after too many failed announces", zap.Error(err))
		}
		return
	}
	logger.Info("orchestrator: too many failed announces in a row, removing from active set without archiving")
	o.removeFromActive(a.InfoHash())
	o.delayQueue.Remove(a.InfoHash())
}

func (o *Orchestrator) doStop(req stop.Request) {
	defer req.NotifyDone()

	o.stopping = true
	if o.unregister != nil {
		o.unregister()
	}

	close(o.feederDone)
	<-o.feederStopped

	remaining := o.delayQueue.DrainAll()
	for _, e := range remaining {
		se, ok := e.Value.(*scheduleEntry)
		if !ok || se.event == tracker.Started {
			continue
		}
		announceReq, ok := se.announcer.BuildRequest(o.fingerprint, tracker.Stopped)
		if !ok {
			continue
		}
		a := se.announcer
		announceReq.Callbacks = announce.Callbacks{
			Success: func(r announce.Response) { o.chain.HandleSuccess(a, r) },
			Failed:  func(f announce.Failure) { o.chain.HandleFailure(a, f) },
		}
		o.announceQ.Enqueue(announceReq)
	}
}

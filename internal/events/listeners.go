package events

import "sync"

// Listener receives every domain event this module emits. Embedding
// NoopListener lets callers implement only the events they care about.
type Listener interface {
	OnTorrentAdded(TorrentAddedEvent)
	OnTorrentRemoved(TorrentRemovedEvent)
	OnWillAnnounce(WillAnnounceEvent)
	OnSuccessfullyAnnounced(SuccessfullyAnnouncedEvent)
	OnFailedToAnnounce(FailedToAnnounceEvent)
	OnSwarmChanged(SwarmChangedEvent)
	OnGlobalBandwidthChanged(GlobalBandwidthChangedEvent)
	OnBandwidthWeightChanged(BandwidthWeightChangedEvent)
}

// NoopListener implements Listener with no-ops; embed it to avoid
// implementing every method.
type NoopListener struct{}

func (NoopListener) OnTorrentAdded(TorrentAddedEvent)                       {}
func (NoopListener) OnTorrentRemoved(TorrentRemovedEvent)                   {}
func (NoopListener) OnWillAnnounce(WillAnnounceEvent)                       {}
func (NoopListener) OnSuccessfullyAnnounced(SuccessfullyAnnouncedEvent)     {}
func (NoopListener) OnFailedToAnnounce(FailedToAnnounceEvent)               {}
func (NoopListener) OnSwarmChanged(SwarmChangedEvent)                      {}
func (NoopListener) OnGlobalBandwidthChanged(GlobalBandwidthChangedEvent)  {}
func (NoopListener) OnBandwidthWeightChanged(BandwidthWeightChangedEvent)  {}

// Bus is a thread-safe fan-out of domain events to registered listeners.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewBus builds an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Register adds a listener and returns a function that removes it.
func (b *Bus) Register(l Listener) (unregister func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, registered := range b.listeners {
			if registered == l {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) snapshot() []Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Listener, len(b.listeners))
	copy(out, b.listeners)
	return out
}

func (b *Bus) EmitTorrentAdded(e TorrentAddedEvent) {
	for _, l := range b.snapshot() {
		go l.OnTorrentAdded(e)
	}
}

func (b *Bus) EmitTorrentRemoved(e TorrentRemovedEvent) {
	for _, l := range b.snapshot() {
		go l.OnTorrentRemoved(e)
	}
}

func (b *Bus) EmitWillAnnounce(e WillAnnounceEvent) {
	for _, l := range b.snapshot() {
		go l.OnWillAnnounce(e)
	}
}

func (b *Bus) EmitSuccessfullyAnnounced(e SuccessfullyAnnouncedEvent) {
	for _, l := range b.snapshot() {
		go l.OnSuccessfullyAnnounced(e)
	}
}

func (b *Bus) EmitFailedToAnnounce(e FailedToAnnounceEvent) {
	for _, l := range b.snapshot() {
		go l.OnFailedToAnnounce(e)
	}
}

func (b *Bus) EmitSwarmChanged(e SwarmChangedEvent) {
	for _, l := range b.snapshot() {
		go l.OnSwarmChanged(e)
	}
}

func (b *Bus) EmitGlobalBandwidthChanged(e GlobalBandwidthChangedEvent) {
	for _, l := range b.snapshot() {
		go l.OnGlobalBandwidthChanged(e)
	}
}

func (b *Bus) EmitBandwidthWeightChanged(e BandwidthWeightChangedEvent) {
	for _, l := range b.snapshot() {
		go l.OnBandwidthWeightChanged(e)
	}
}

package bandwidth

import (
	"testing"

	"github.com/anacrolix/torrent"
	"github.com/haldorn/torsim/internal/announcer"
	"github.com/haldorn/torsim/internal/events"
	"github.com/haldorn/torsim/internal/torrentmeta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAnnouncer(name string) *announcer.Announcer {
	var infoHash torrent.InfoHash
	copy(infoHash[:], name)
	return announcer.New(&torrentmeta.Info{InfoHash: infoHash, Name: name, Size: 1_000_000, Announce: "http://tracker.example/announce"}, -1)
}

func TestTick_CreditsUploadedBytesFromPriorSpeed(t *testing.T) {
	d := New(1000, 1000, events.NewBus())
	a := testAnnouncer("a")
	d.Add(a)
	d.speeds[a.InfoHash()] = 2000 // bytes/sec

	d.tick()

	wantDelta := int64(2000) * DefaultTickInterval.Milliseconds() / 1000
	assert.Equal(t, wantDelta, a.UploadedBytes())
}

func TestRefreshBudgetLocked_SplitsBudgetByWeightShare(t *testing.T) {
	d := New(1000, 1000, events.NewBus()) // fixed budget of exactly 1000 bytes/sec
	a1 := testAnnouncer("one")
	a2 := testAnnouncer("two")
	d.Add(a1)
	d.Add(a2)

	d.UpdatePeers(a1.InfoHash(), 1, 3) // more leechers => more weight
	d.UpdatePeers(a2.InfoHash(), 1, 1)

	var got map[torrent.InfoHash]int64
	d.SetListener(listenerFunc(func(speeds map[torrent.InfoHash]int64) { got = speeds }))

	d.mu.Lock()
	d.refreshBudgetLocked()
	d.mu.Unlock()

	require.NotNil(t, got)
	assert.Equal(t, int64(1000), got[a1.InfoHash()]+got[a2.InfoHash()])
	assert.Greater(t, got[a1.InfoHash()], got[a2.InfoHash()])
}

func TestRefreshBudgetLocked_ZeroTotalWeightYieldsZeroSpeeds(t *testing.T) {
	d := New(500, 500, events.NewBus())
	a := testAnnouncer("idle")
	d.Add(a)

	d.mu.Lock()
	d.refreshBudgetLocked()
	d.mu.Unlock()

	assert.Zero(t, d.speeds[a.InfoHash()])
}

func TestRemove_DropsFromActiveSetAndWeights(t *testing.T) {
	d := New(100, 100, events.NewBus())
	a := testAnnouncer("gone")
	d.Add(a)
	d.UpdatePeers(a.InfoHash(), 2, 2)
	d.Remove(a.InfoHash())

	d.mu.Lock()
	_, stillActive := d.active[a.InfoHash()]
	d.mu.Unlock()
	assert.False(t, stillActive)
	assert.Zero(t, d.weights.TotalWeight())
}

type listenerFunc func(map[torrent.InfoHash]int64)

func (f listenerFunc) OnSpeedsChanged(speeds map[torrent.InfoHash]int64) { f(speeds) }

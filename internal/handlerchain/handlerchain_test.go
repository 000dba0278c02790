package handlerchain

import (
	"testing"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/tracker"
	"github.com/haldorn/torsim/internal/announce"
	"github.com/haldorn/torsim/internal/announcer"
	"github.com/haldorn/torsim/internal/emulatedclient"
	"github.com/haldorn/torsim/internal/emulatedclient/key"
	"github.com/haldorn/torsim/internal/emulatedclient/peerid"
	"github.com/haldorn/torsim/internal/events"
	"github.com/haldorn/torsim/internal/torrentmeta"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFingerprint() *emulatedclient.Fingerprint {
	return &emulatedclient.Fingerprint{
		NumWant:         50,
		KeyAlgorithm:    key.AlgorithmBox{Algorithm: &key.NumRangeHexAlgorithm{Min: 0, Max: 100}},
		KeyGenerator:    key.GeneratorBox{Generator: &key.NeverRefreshGenerator{}},
		PeerIDAlgorithm: peerid.AlgorithmBox{Algorithm: &peerid.RegexPatternAlgorithm{Pattern: "-TS0001-[A-Za-z0-9]{12}"}},
		PeerIDGenerator: peerid.GeneratorBox{Generator: &peerid.NeverRefreshGenerator{}},
	}
}

func testAnnouncer(ratioTarget float64) *announcer.Announcer {
	return announcer.New(&torrentmeta.Info{Name: "ubuntu.iso", Size: 1000, Announce: "http://tracker.example/announce"}, ratioTarget)
}

type fakeBandwidth struct{ updated bool }

func (f *fakeBandwidth) UpdatePeers(_ torrent.InfoHash, _, _ int32) { f.updated = true }

type fakeScheduler struct {
	event tracker.AnnounceEvent
	delay time.Duration
	calls int
}

func (f *fakeScheduler) Reschedule(_ *announcer.Announcer, event tracker.AnnounceEvent, delay time.Duration) {
	f.event, f.delay, f.calls = event, delay, f.calls+1
}

func TestHandleSuccess_StartedSuccessUpdatesPeersAndReschedules(t *testing.T) {
	a := testAnnouncer(-1)
	req, _ := a.BuildRequest(testFingerprint(), tracker.Started)

	bw := &fakeBandwidth{}
	sched := &fakeScheduler{}
	c := New(bw, sched, events.NewBus(), Reactions{})

	c.HandleSuccess(a, announce.Response{Request: req, Interval: 30 * time.Minute, Seeders: 5, Leechers: 3})

	assert.Equal(t, announcer.StateStarted, a.State())
	assert.True(t, bw.updated)
	assert.Equal(t, 1, sched.calls)
	assert.Equal(t, tracker.None, sched.event)
	assert.Equal(t, 30*time.Minute, sched.delay)
}

func TestHandleSuccess_ZeroPeersSignalsOnNoMorePeers(t *testing.T) {
	a := testAnnouncer(-1)
	req, _ := a.BuildRequest(testFingerprint(), tracker.Started)

	var flagged *announcer.Announcer
	c := New(&fakeBandwidth{}, &fakeScheduler{}, events.NewBus(), Reactions{
		OnNoMorePeers: func(ann *announcer.Announcer) { flagged = ann },
	})

	c.HandleSuccess(a, announce.Response{Request: req, Interval: time.Hour, Seeders: 0, Leechers: 0})
	assert.Same(t, a, flagged)
}

func TestHandleSuccess_RatioCheckSkippedOnStartedButRunsOnRegular(t *testing.T) {
	a := testAnnouncer(1.0) // size 1000
	a.AddUploaded(1000)     // ratio already met

	var reached int
	c := New(&fakeBandwidth{}, &fakeScheduler{}, events.NewBus(), Reactions{
		OnUploadRatioLimitReached: func(*announcer.Announcer) { reached++ },
	})

	startReq, _ := a.BuildRequest(testFingerprint(), tracker.Started)
	c.HandleSuccess(a, announce.Response{Request: startReq, Interval: time.Hour, Seeders: 1, Leechers: 1})
	assert.Equal(t, 0, reached, "ratio check must not run on the started success")

	regularReq, _ := a.BuildRequest(testFingerprint(), tracker.None)
	c.HandleSuccess(a, announce.Response{Request: regularReq, Interval: time.Hour, Seeders: 1, Leechers: 1})
	assert.Equal(t, 1, reached, "ratio check must run on a regular success")
}

func TestHandleSuccess_StoppedSuccessSignalsOnTorrentHasStoppedAndDoesNotReschedule(t *testing.T) {
	a := testAnnouncer(-1)
	req, _ := a.BuildRequest(testFingerprint(), tracker.Stopped)

	var stopped bool
	sched := &fakeScheduler{}
	c := New(&fakeBandwidth{}, sched, events.NewBus(), Reactions{
		OnTorrentHasStopped: func(*announcer.Announcer) { stopped = true },
	})

	c.HandleSuccess(a, announce.Response{Request: req, Interval: time.Hour})
	assert.True(t, stopped)
	assert.Equal(t, 0, sched.calls)
}

func TestHandleFailure_ReschedulesWithCappedBackoffAndSignalsAfterThreshold(t *testing.T) {
	a := testAnnouncer(-1)
	req, _ := a.BuildRequest(testFingerprint(), tracker.Started)

	var tooMany bool
	sched := &fakeScheduler{}
	c := New(&fakeBandwidth{}, sched, events.NewBus(), Reactions{
		OnTooManyFailedInARow: func(*announcer.Announcer) { tooMany = true },
	})
	c.MaxConsecutiveFailures = 2

	fail := announce.Failure{Request: req, Err: errors.New("connection refused")}
	c.HandleFailure(a, fail)
	require.False(t, tooMany)
	assert.Equal(t, 1, sched.calls)
	assert.LessOrEqual(t, sched.delay, failureBackoffCap)

	c.HandleFailure(a, fail)
	assert.True(t, tooMany)
}

func TestHandleFailure_StoppedEventDoesNotReschedule(t *testing.T) {
	a := testAnnouncer(-1)
	req, _ := a.BuildRequest(testFingerprint(), tracker.Stopped)

	sched := &fakeScheduler{}
	c := New(&fakeBandwidth{}, sched, events.NewBus(), Reactions{})
	c.HandleFailure(a, announce.Failure{Request: req, Err: errors.New("timeout")})
	assert.Equal(t, 0, sched.calls)
}

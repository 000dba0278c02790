package announcer

import (
	"testing"
	"time"

	"github.com/anacrolix/torrent/tracker"
	"github.com/haldorn/torsim/internal/announce"
	"github.com/haldorn/torsim/internal/emulatedclient"
	"github.com/haldorn/torsim/internal/emulatedclient/key"
	"github.com/haldorn/torsim/internal/emulatedclient/peerid"
	"github.com/haldorn/torsim/internal/torrentmeta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFingerprint() *emulatedclient.Fingerprint {
	return &emulatedclient.Fingerprint{
		Name:            "test-client",
		Version:         "1.0",
		NumWant:         50,
		KeyAlgorithm:    key.AlgorithmBox{Algorithm: &key.NumRangeHexAlgorithm{Min: 0, Max: 100}},
		KeyGenerator:    key.GeneratorBox{Generator: &key.NeverRefreshGenerator{}},
		PeerIDAlgorithm: peerid.AlgorithmBox{Algorithm: &peerid.RegexPatternAlgorithm{Pattern: "-TS0001-[A-Za-z0-9]{12}"}},
		PeerIDGenerator: peerid.GeneratorBox{Generator: &peerid.NeverRefreshGenerator{}},
	}
}

func testInfo() *torrentmeta.Info {
	return &torrentmeta.Info{
		Name:     "ubuntu.iso",
		Size:     1000,
		Announce: "http://tracker.example/announce",
	}
}

func TestBuildRequest_FirstAnnounceIsNewAndTrackerUsable(t *testing.T) {
	a := New(testInfo(), -1)
	req, ok := a.BuildRequest(testFingerprint(), tracker.Started)
	require.True(t, ok)
	assert.Equal(t, StateNew, a.State())
	assert.Equal(t, tracker.Started, req.Event)
	assert.Equal(t, a.InfoHash(), req.InfoHash)
	assert.EqualValues(t, 50, req.NumWant)
}

func TestBuildRequest_FalseWhenNoTrackerUsable(t *testing.T) {
	info := testInfo()
	info.Announce = ""
	a := New(info, -1)
	assert.True(t, a.Empty())
	_, ok := a.BuildRequest(testFingerprint(), tracker.Started)
	assert.False(t, ok)
}

func TestApplySuccess_FirstSuccessMovesNewToStarted(t *testing.T) {
	a := New(testInfo(), -1)
	req, _ := a.BuildRequest(testFingerprint(), tracker.Started)

	next := a.ApplySuccess(announce.Response{Request: req, Interval: time.Hour, Seeders: 3, Leechers: 1})
	assert.Equal(t, StateStarted, next)
	assert.Equal(t, StateStarted, a.State())
	assert.EqualValues(t, 3, a.Seeders())
	assert.EqualValues(t, 1, a.Leechers())
}

func TestApplySuccess_SubsequentSuccessMovesToRegular(t *testing.T) {
	a := New(testInfo(), -1)
	req, _ := a.BuildRequest(testFingerprint(), tracker.Started)
	a.ApplySuccess(announce.Response{Request: req, Interval: time.Hour})

	req2, _ := a.BuildRequest(testFingerprint(), tracker.None)
	next := a.ApplySuccess(announce.Response{Request: req2, Interval: time.Hour})
	assert.Equal(t, StateRegular, next)
}

func TestApplySuccess_StoppedEventMovesToStopped(t *testing.T) {
	a := New(testInfo(), -1)
	req, _ := a.BuildRequest(testFingerprint(), tracker.Stopped)
	next := a.ApplySuccess(announce.Response{Request: req, Interval: time.Hour})
	assert.Equal(t, StateStopped, next)
}

func TestApplyFailure_IncrementsConsecutiveFailuresAndResetsOnSuccess(t *testing.T) {
	a := New(testInfo(), -1)
	assert.EqualValues(t, 1, a.ApplyFailure("timeout"))
	assert.EqualValues(t, 2, a.ApplyFailure("timeout"))

	req, _ := a.BuildRequest(testFingerprint(), tracker.Started)
	a.ApplySuccess(announce.Response{Request: req, Interval: time.Hour})
	assert.EqualValues(t, 0, a.ConsecutiveFailures())
}

func TestHasReachedUploadRatioTarget_DisabledWhenTargetNegative(t *testing.T) {
	a := New(testInfo(), -1)
	a.AddUploaded(10_000_000)
	assert.False(t, a.HasReachedUploadRatioTarget())
}

func TestHasReachedUploadRatioTarget_TrueOnceRatioMet(t *testing.T) {
	a := New(testInfo(), 1.0) // size is 1000
	assert.False(t, a.HasReachedUploadRatioTarget())
	a.AddUploaded(1000)
	assert.True(t, a.HasReachedUploadRatioTarget())
}

func TestNextAnnounceDelay_ZeroUntilFirstFailure(t *testing.T) {
	a := New(testInfo(), -1)
	assert.Zero(t, a.NextAnnounceDelay(time.Now()))

	a.ApplyFailure("timeout")
	assert.Positive(t, a.NextAnnounceDelay(time.Now()))
}

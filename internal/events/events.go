// Package events is the domain event bus: a thread-safe fan-out of
// seeding-lifecycle notifications to any number of registered listeners.
package events

import (
	"net/url"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/tracker"
)

// TorrentAddedEvent fires once a torrent file has been parsed and its
// announcer created.
type TorrentAddedEvent struct {
	InfoHash torrent.InfoHash
	Name     string
	Size     int64
}

// TorrentRemovedEvent fires once an announcer has left the active set.
type TorrentRemovedEvent struct {
	InfoHash torrent.InfoHash
}

// WillAnnounceEvent fires immediately before an announce request is sent.
type WillAnnounceEvent struct {
	InfoHash torrent.InfoHash
	Tracker  url.URL
	Event    tracker.AnnounceEvent
	Uploaded int64
}

// SuccessfullyAnnouncedEvent fires after a tracker replies with a
// well-formed response.
type SuccessfullyAnnouncedEvent struct {
	InfoHash torrent.InfoHash
	Tracker  url.URL
	Event    tracker.AnnounceEvent
	At       time.Time
	Seeders  int32
	Leechers int32
	Interval time.Duration
}

// FailedToAnnounceEvent fires after a transport or protocol failure.
type FailedToAnnounceEvent struct {
	InfoHash torrent.InfoHash
	Tracker  url.URL
	Event    tracker.AnnounceEvent
	At       time.Time
	Error    string
}

// SwarmChangedEvent fires whenever the peer population for a torrent
// changes following an announce.
type SwarmChangedEvent struct {
	InfoHash torrent.InfoHash
	Seeders  int32
	Leechers int32
}

// GlobalBandwidthChangedEvent fires when the dispatcher resamples its
// global upload budget.
type GlobalBandwidthChangedEvent struct {
	AvailableBandwidth int64
}

// BandwidthWeightChangedEvent fires whenever per-torrent weights are
// recomputed.
type BandwidthWeightChangedEvent struct {
	TotalWeight    float64
	TorrentWeights map[torrent.InfoHash]float64
}

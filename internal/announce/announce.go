// Package announce defines the immutable request/response values passed
// between a torrent's announcer, the bounded announce executor, and the
// response handler chain. It carries no behavior of its own.
package announce

import (
	"net/url"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/tracker"
)

// Request is everything an executor needs to perform one announce against
// one tracker URL, independent of how that announce is transported.
type Request struct {
	URL        url.URL
	InfoHash   torrent.InfoHash
	Downloaded int64
	Left       int64
	Uploaded   int64
	Corrupt    int64
	Event      tracker.AnnounceEvent
	Private    bool
	NumWant    int32
	Key        uint32
	Callbacks  Callbacks
}

// Callbacks lets the executor report a Request's outcome back to whichever
// announcer submitted it, without the queue needing to know about
// per-torrent response routing.
type Callbacks struct {
	Success func(Response)
	Failed  func(Failure)
}

// Response is a tracker's well-formed reply to a Request.
type Response struct {
	Request  Request
	Interval time.Duration
	Leechers int32
	Seeders  int32
	Peers    []tracker.Peer
}

// Failure wraps a Request that could not be completed, either because the
// transport failed or the tracker replied with a "failure reason".
type Failure struct {
	Request  Request
	Err      error
	Interval time.Duration // zero unless the tracker itself supplied one alongside the failure
}

func (f *Failure) Error() string {
	return f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Queue is a bounded FIFO of pending announce requests shared between
// however many announcers are active and the executor goroutines that
// drain it.
type Queue struct {
	ch chan Request
}

// DefaultCapacity mirrors the teacher's fixed queue depth: enough to
// absorb a burst of simultaneous announces without the producer blocking
// under normal operation.
const DefaultCapacity = 1500

// NewQueue builds a queue with DefaultCapacity.
func NewQueue() *Queue {
	return NewQueueWithCapacity(DefaultCapacity)
}

// NewQueueWithCapacity builds a queue with an explicit capacity, mainly for
// tests that need to observe backpressure.
func NewQueueWithCapacity(capacity int) *Queue {
	return &Queue{ch: make(chan Request, capacity)}
}

// Enqueue submits a request, blocking if the queue is full.
func (q *Queue) Enqueue(r Request) {
	q.ch <- r
}

// TryEnqueue submits a request without blocking, reporting whether it was
// accepted.
func (q *Queue) TryEnqueue(r Request) bool {
	select {
	case q.ch <- r:
		return true
	default:
		return false
	}
}

// Requests exposes the receive side for executor goroutines to range over.
func (q *Queue) Requests() <-chan Request {
	return q.ch
}

// Package executor drains the shared announce queue with a bounded pool
// of worker goroutines, performing the actual HTTP GET against each
// tracker and decoding its bencoded response.
package executor

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/tracker"
	"github.com/haldorn/torsim/internal/announce"
	"github.com/haldorn/torsim/internal/connprobe"
	"github.com/haldorn/torsim/internal/emulatedclient"
	"github.com/pkg/errors"
)

// DefaultWorkers bounds how many announces may be in flight at once,
// keeping a burst of simultaneous torrent starts from opening hundreds of
// concurrent connections to the same tracker.
const DefaultWorkers = 8

// connectTimeout and readTimeout are applied separately, per §5's
// per-attempt connect/read timeout requirement, rather than one flat
// request deadline.
const (
	connectTimeout = 10 * time.Second
	readTimeout    = 5 * time.Second
)

// maxConnsPerRoute and maxConnsTotal bound the shared connection pool.
const (
	maxConnsPerRoute = 100
	maxConnsTotal    = 200
)

// Executor performs announces pulled from an announce.Queue.
type Executor struct {
	queue       *announce.Queue
	fingerprint *emulatedclient.Fingerprint
	prober      *connprobe.Prober
	port        uint16
	client      *http.Client

	wg sync.WaitGroup
}

// New builds an Executor. port is the (emulated) listening port reported
// to trackers.
func New(queue *announce.Queue, fp *emulatedclient.Fingerprint, prober *connprobe.Prober, port uint16) *Executor {
	return &Executor{
		queue:       queue,
		fingerprint: fp,
		prober:      prober,
		port:        port,
		client: &http.Client{
			Timeout: connectTimeout + readTimeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				TLSHandshakeTimeout:   connectTimeout,
				ResponseHeaderTimeout: readTimeout,
				MaxConnsPerHost:       maxConnsPerRoute,
				MaxIdleConns:          maxConnsTotal,
			},
		},
	}
}

// Run starts DefaultWorkers goroutines draining the queue. It blocks until
// ctx is cancelled, then waits for in-flight announces to finish.
func (e *Executor) Run(ctx context.Context) {
	for i := 0; i < DefaultWorkers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	<-ctx.Done()
	e.wg.Wait()
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.queue.Requests():
			e.execute(ctx, req)
		}
	}
}

func (e *Executor) execute(ctx context.Context, req announce.Request) {
	resp, err := e.announce(ctx, req)
	if err != nil {
		req.Callbacks.Failed(announce.Failure{Request: req, Err: err})
		return
	}
	req.Callbacks.Success(resp)
}

type bencodedResponse struct {
	FailureReason string                    `bencode:"failure reason"`
	Interval      int32                     `bencode:"interval"`
	Complete      int32                     `bencode:"complete"`
	Incomplete    int32                     `bencode:"incomplete"`
	Peers         peerList                  `bencode:"peers"`
	Peers6        krpc.CompactIPv6NodeAddrs `bencode:"peers6"`
}

// peerList accepts both the compact (string) and dictionary-list peer
// encodings a tracker may reply with.
type peerList []tracker.Peer

func (pl *peerList) UnmarshalBencode(b []byte) error {
	var raw interface{}
	if err := bencode.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		var compact krpc.CompactIPv4NodeAddrs
		if err := compact.UnmarshalBinary([]byte(v)); err != nil {
			return err
		}
		for _, addr := range compact {
			*pl = append(*pl, tracker.Peer{IP: addr.IP[:], Port: addr.Port})
		}
		return nil
	case []interface{}:
		for _, entry := range v {
			dict, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			p := tracker.Peer{}
			if ipStr, ok := dict["ip"].(string); ok {
				p.IP = net.ParseIP(ipStr)
			}
			if port, ok := dict["port"].(int64); ok {
				p.Port = int(port)
			}
			*pl = append(*pl, p)
		}
		return nil
	default:
		return errors.Errorf("unsupported peers encoding: %T", raw)
	}
}

func (e *Executor) announce(ctx context.Context, req announce.Request) (announce.Response, error) {
	query, err := e.buildQuery(req)
	if err != nil {
		return announce.Response{}, err
	}
	target := req.URL
	target.RawQuery = query

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return announce.Response{}, err
	}
	for name, value := range e.fingerprint.RequestHeaders {
		httpReq.Header.Set(name, value)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return announce.Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return announce.Response{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return announce.Response{}, errors.Errorf("tracker replied %s: %s", resp.Status, buf.String())
	}

	var decoded bencodedResponse
	if err := bencode.Unmarshal(buf.Bytes(), &decoded); err != nil {
		if _, ok := err.(bencode.ErrUnusedTrailingBytes); !ok {
			return announce.Response{}, errors.Wrapf(err, "malformed tracker response: %q", buf.String())
		}
	}
	if decoded.FailureReason != "" {
		return announce.Response{}, errors.Errorf("tracker gave failure reason: %q", decoded.FailureReason)
	}

	peers := decoded.Peers
	for _, addr := range decoded.Peers6 {
		peers = append(peers, tracker.Peer{IP: addr.IP[:], Port: addr.Port})
	}

	return announce.Response{
		Request:  req,
		Interval: time.Duration(decoded.Interval) * time.Second,
		Leechers: decoded.Incomplete,
		Seeders:  decoded.Complete,
		Peers:    peers,
	}, nil
}

// buildQuery renders the announce query string through the fingerprint's
// query template. InfoHash and PeerID are passed raw (unescaped): the
// template itself pipes them through urlEncode, so escaping here would
// double-encode them.
func (e *Executor) buildQuery(req announce.Request) (string, error) {
	ip := ""
	if e.prober != nil && e.prober.IP() != nil {
		ip = e.prober.IP().String()
	}

	event := ""
	if req.Event != tracker.None {
		event = req.Event.String()
	}

	vars := emulatedclient.QueryVars{
		InfoHash:   string(req.InfoHash[:]),
		PeerID:     string(e.fingerprint.PeerIDFor(req.InfoHash, req.Event).String()),
		Port:       e.port,
		Uploaded:   req.Uploaded,
		Downloaded: req.Downloaded,
		Left:       req.Left,
		Corrupt:    req.Corrupt,
		Key:        req.Key,
		NumWant:    req.NumWant,
		Event:      event,
		IP:         ip,
	}
	return e.fingerprint.RenderQuery(vars)
}

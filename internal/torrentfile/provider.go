// Package torrentfile watches a directory for .torrent files, parsing
// each into the emulator's torrent identity and notifying listeners as
// files come and go. Files that fail to parse are moved aside into an
// archive subdirectory instead of being retried forever.
package torrentfile

import (
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anthonyraymond/watcher"
	"github.com/haldorn/torsim/internal/logging"
	"github.com/haldorn/torsim/internal/randutils"
	"github.com/haldorn/torsim/internal/torrentmeta"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNoMoreTorrentsAvailable is returned by GetTorrentNotIn when every
// known torrent is already excluded.
var ErrNoMoreTorrentsAvailable = errors.New("no more torrents available")

// DefaultPollInterval matches the teacher's file-watcher poll cadence.
const DefaultPollInterval = 1 * time.Second

const archiveDirName = "archived"

// Listener is notified as torrent files are discovered or removed.
type Listener interface {
	OnTorrentFileAdded(info *torrentmeta.Info)
	OnTorrentFileRemoved(infoHash torrent.InfoHash)
}

// Provider watches a directory of .torrent files.
type Provider struct {
	dir          string
	archiveDir   string
	pollInterval time.Duration
	w            *watcher.Watcher

	mu         sync.Mutex
	known      map[torrent.InfoHash]*torrentmeta.Info
	byPath     map[string]torrent.InfoHash
	pathByHash map[torrent.InfoHash]string
	listeners  []Listener

	closed chan struct{}
}

// New builds a provider watching dir. Rejected files are moved to
// dir/archived.
func New(dir string) *Provider {
	return &Provider{
		dir:          dir,
		archiveDir:   filepath.Join(dir, archiveDirName),
		pollInterval: DefaultPollInterval,
		known:        make(map[torrent.InfoHash]*torrentmeta.Info),
		byPath:       make(map[string]torrent.InfoHash),
		pathByHash:   make(map[torrent.InfoHash]string),
		closed:       make(chan struct{}),
	}
}

// RegisterListener adds l to the set notified of future add/remove
// events, returning a function that removes it again. It does not replay
// already-known torrents; call Known first.
func (p *Provider) RegisterListener(l Listener) (unregister func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, registered := range p.listeners {
			if registered == l {
				p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
				return
			}
		}
	}
}

// Archive moves the on-disk file for infoHash into the archive directory.
// The resulting filesystem delete is picked up by the watcher like any
// other removal, so listeners still learn of it through OnTorrentFileRemoved
// rather than through this call directly.
func (p *Provider) Archive(infoHash torrent.InfoHash) error {
	p.mu.Lock()
	path, ok := p.pathByHash[infoHash]
	p.mu.Unlock()
	if !ok {
		return errors.Errorf("torrentfile: no known file for info-hash %s", infoHash.HexString())
	}
	dst := filepath.Join(p.archiveDir, filepath.Base(path))
	return errors.Wrap(os.Rename(path, dst), "cannot archive torrent file")
}

// Dir returns the directory this provider watches.
func (p *Provider) Dir() string { return p.dir }

// Known returns every torrent already discovered at the time of the
// call, for callers that need to seed their own state before events
// start flowing.
func (p *Provider) Known() []*torrentmeta.Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*torrentmeta.Info, 0, len(p.known))
	for _, info := range p.known {
		out = append(out, info)
	}
	return out
}

// GetTorrentNotIn returns a uniformly random known torrent whose
// info-hash is not in excluded.
func (p *Provider) GetTorrentNotIn(excluded map[torrent.InfoHash]struct{}) (*torrentmeta.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*torrentmeta.Info
	for hash, info := range p.known {
		if _, skip := excluded[hash]; !skip {
			candidates = append(candidates, info)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoMoreTorrentsAvailable
	}
	return candidates[randutils.Range(0, int64(len(candidates)-1))], nil
}

// Start registers the directory with the watcher, which synchronously lists
// the files already present, then spawns the polling loop in the
// background. Added events for those pre-existing files are replayed from
// a background goroutine once the watcher is running, so listeners see
// them only after Start has returned.
func (p *Provider) Start() error {
	if err := os.MkdirAll(p.archiveDir, 0o755); err != nil {
		return errors.Wrap(err, "cannot create archive directory")
	}

	w := watcher.New()
	w.AddFilterHook(torrentFileFilter())
	if err := w.Add(p.dir); err != nil {
		return errors.Wrap(err, "cannot watch torrent directory")
	}
	p.w = w

	go func() {
		w.Wait()
		logging.GetLogger().Debug("torrentfile: watcher started, replaying pre-existing files")
		for fullPath, info := range w.WatchedFiles() {
			w.Event <- watcher.Event{Op: watcher.Create, Path: fullPath, FileInfo: info}
		}
	}()

	go func() {
		if err := w.Start(p.pollInterval); err != nil {
			logging.GetLogger().Error("torrentfile: watcher stopped with an error", zap.Error(err))
		}
	}()

	go p.dispatchLoop()
	return nil
}

// Stop closes the watcher and blocks until the dispatch loop has exited.
func (p *Provider) Stop() {
	if p.w != nil {
		p.w.Close()
	}
	<-p.closed
}

func (p *Provider) dispatchLoop() {
	defer close(p.closed)
	logger := logging.GetLogger()
	for {
		select {
		case event, ok := <-p.w.Event:
			if !ok {
				return
			}
			switch event.Op {
			case watcher.Create:
				p.handleCreate(event.Path)
			case watcher.Remove:
				p.handleRemove(event.Path)
			case watcher.Rename, watcher.Write:
				// A modification is surfaced as a delete-then-create pair.
				p.handleRemove(event.Path)
				p.handleCreate(event.Path)
			}
		case err, ok := <-p.w.Error:
			if !ok {
				return
			}
			logger.Error("torrentfile: watcher reported an error", zap.Error(err))
		case <-p.w.Closed:
			return
		}
	}
}

func (p *Provider) handleCreate(path string) {
	logger := logging.GetLogger().With(zap.String("file", filepath.Base(path)))

	info, err := torrentmeta.FromFile(path)
	if err != nil {
		logger.Warn("torrentfile: failed to parse, archiving", zap.Error(err))
		p.archive(path)
		return
	}

	p.mu.Lock()
	if _, exists := p.known[info.InfoHash]; exists {
		p.mu.Unlock()
		logger.Warn("torrentfile: info-hash already known, ignoring duplicate")
		return
	}
	p.known[info.InfoHash] = info
	p.byPath[path] = info.InfoHash
	p.pathByHash[info.InfoHash] = path
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.Unlock()

	for _, l := range listeners {
		l.OnTorrentFileAdded(info)
	}
}

func (p *Provider) handleRemove(path string) {
	p.mu.Lock()
	hash, ok := p.byPath[path]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.byPath, path)
	delete(p.known, hash)
	delete(p.pathByHash, hash)
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.Unlock()

	for _, l := range listeners {
		l.OnTorrentFileRemoved(hash)
	}
}

func (p *Provider) archive(path string) {
	dst := filepath.Join(p.archiveDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		logging.GetLogger().Error("torrentfile: failed to archive rejected file", zap.String("file", path), zap.Error(err))
	}
}

func torrentFileFilter() watcher.FilterFileHookFunc {
	nameFilter := watcher.RegexFilterHook(regexp.MustCompile(`(?i)\.torrent$`), false)
	return func(info os.FileInfo, fullPath string) error {
		if info.IsDir() {
			return watcher.ErrSkip
		}
		return nameFilter(info, fullPath)
	}
}

package torrentfile

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/haldorn/torsim/internal/torrentmeta"
	"github.com/stretchr/testify/require"
)

func writeTorrentFile(t *testing.T, dir string) string {
	t.Helper()
	name := make([]byte, 16)
	_, _ = rand.Read(name)

	info := metainfo.Info{Name: string(name), PieceLength: 0, Pieces: []byte{}, Length: 0}
	buf := bytes.Buffer{}
	require.NoError(t, bencode.NewEncoder(&buf).Encode(info))

	meta := metainfo.MetaInfo{InfoBytes: buf.Bytes(), Announce: "http://tracker.example/announce"}

	f, err := os.CreateTemp(dir, "*.torrent")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, meta.Write(f))
	return f.Name()
}

type recordingListener struct {
	added   chan torrent.InfoHash
	removed chan torrent.InfoHash
}

func newRecordingListener() *recordingListener {
	return &recordingListener{added: make(chan torrent.InfoHash, 8), removed: make(chan torrent.InfoHash, 8)}
}

func (r *recordingListener) OnTorrentFileAdded(info *torrentmeta.Info)  { r.added <- info.InfoHash }
func (r *recordingListener) OnTorrentFileRemoved(hash torrent.InfoHash) { r.removed <- hash }

func TestProvider_DetectsPreExistingFileOnStart(t *testing.T) {
	dir := t.TempDir()
	writeTorrentFile(t, dir)

	p := New(dir)
	p.pollInterval = 50 * time.Millisecond
	l := newRecordingListener()
	p.RegisterListener(l)
	require.NoError(t, p.Start())
	defer p.Stop()

	select {
	case <-l.added:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pre-existing torrent to be reported")
	}
}

func TestProvider_ArchivesUnparsableFile(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.torrent")
	require.NoError(t, os.WriteFile(bad, []byte("not a torrent"), 0o644))

	p := New(dir)
	p.pollInterval = 50 * time.Millisecond
	require.NoError(t, p.Start())
	defer p.Stop()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, archiveDirName, "bad.torrent"))
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)
}

func TestProvider_DetectsRemoval(t *testing.T) {
	dir := t.TempDir()
	path := writeTorrentFile(t, dir)

	p := New(dir)
	p.pollInterval = 50 * time.Millisecond
	l := newRecordingListener()
	p.RegisterListener(l)
	require.NoError(t, p.Start())
	defer p.Stop()

	var hash torrent.InfoHash
	select {
	case hash = <-l.added:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for add")
	}

	require.NoError(t, os.Remove(path))
	select {
	case removed := <-l.removed:
		require.Equal(t, hash, removed)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for removal")
	}
}

func TestGetTorrentNotIn_ErrorsWhenEverythingExcluded(t *testing.T) {
	dir := t.TempDir()
	writeTorrentFile(t, dir)

	p := New(dir)
	p.pollInterval = 50 * time.Millisecond
	l := newRecordingListener()
	p.RegisterListener(l)
	require.NoError(t, p.Start())
	defer p.Stop()

	var hash torrent.InfoHash
	select {
	case hash = <-l.added:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for add")
	}

	_, err := p.GetTorrentNotIn(map[torrent.InfoHash]struct{}{hash: {}})
	require.ErrorIs(t, err, ErrNoMoreTorrentsAvailable)
}

package emulatedclient

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validFingerprintYAML = `
name: qBittorrent
version: 4.4.2
numWant: 200
requestHeaders:
  User-Agent: qBittorrent/4.4.2
queryEscapeHexCase: upper
keyAlgorithm:
  type: NUM_RANGE_HEX
  min: 0
  max: 4294967295
keyGenerator:
  type: NEVER_REFRESH
peerIdAlgorithm:
  type: REGEX_PATTERN
  pattern: "-qB4420-[A-Za-z0-9]{12}"
peerIdGenerator:
  type: NEVER_REFRESH
`

func writeFingerprint(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_ValidFingerprint(t *testing.T) {
	fp, err := Load(writeFingerprint(t, validFingerprintYAML))
	require.NoError(t, err)

	assert.Equal(t, "qBittorrent", fp.Name)

	var ih torrent.InfoHash
	id := fp.PeerIDFor(ih, tracker.Started)
	assert.Contains(t, id.String(), "-qB4420-")

	k := fp.KeyFor(ih, tracker.Started)
	assert.Equal(t, k, fp.KeyFor(ih, tracker.None), "NEVER_REFRESH should keep the same key")
}

func TestLoad_RejectsUnknownAlgorithmType(t *testing.T) {
	_, err := Load(writeFingerprint(t, `
name: x
version: "1"
keyAlgorithm:
  type: NOT_A_REAL_ALGORITHM
keyGenerator:
  type: NEVER_REFRESH
peerIdAlgorithm:
  type: REGEX_PATTERN
  pattern: "-XX0001-[A-Za-z0-9]{12}"
peerIdGenerator:
  type: NEVER_REFRESH
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFingerprintInvalid)
}

func TestLoad_RejectsMissingName(t *testing.T) {
	_, err := Load(writeFingerprint(t, `
version: "1"
keyAlgorithm:
  type: NUM_RANGE_HEX
  min: 0
  max: 10
keyGenerator:
  type: NEVER_REFRESH
peerIdAlgorithm:
  type: REGEX_PATTERN
  pattern: "-XX0001-[A-Za-z0-9]{12}"
peerIdGenerator:
  type: NEVER_REFRESH
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFingerprintInvalid)
}

func TestLoad_RejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFingerprintInvalid)
}

// Package emulatedclient loads a client fingerprint — the set of
// behaviors (peer id shape, key generation, request headers, URL
// encoding quirks) that make this emulator's announces indistinguishable
// from a particular real torrent client.
package emulatedclient

import (
	"os"
	"text/template"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/tracker"
	"github.com/go-playground/validator/v10"
	"github.com/haldorn/torsim/internal/emulatedclient/key"
	"github.com/haldorn/torsim/internal/emulatedclient/peerid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrFingerprintInvalid wraps any failure to load or validate a
// fingerprint file.
var ErrFingerprintInvalid = errors.New("fingerprint invalid")

// Fingerprint is one client's complete announce identity and behavior, as
// parsed from a fingerprint YAML file (see clients/<name>.yaml).
type Fingerprint struct {
	Name               string            `yaml:"name" validate:"required"`
	Version            string            `yaml:"version" validate:"required"`
	NumWant            int32             `yaml:"numWant"`
	NumWantOnStop      int32             `yaml:"numWantOnStop"`
	RequestHeaders     map[string]string `yaml:"requestHeaders"`
	QueryEscapeHexCase HexCase           `yaml:"queryEscapeHexCase"`
	QueryTemplate      string            `yaml:"query"`
	KeyAlgorithm       key.AlgorithmBox    `yaml:"keyAlgorithm"`
	KeyGenerator       key.GeneratorBox    `yaml:"keyGenerator"`
	PeerIDAlgorithm    peerid.AlgorithmBox `yaml:"peerIdAlgorithm"`
	PeerIDGenerator    peerid.GeneratorBox `yaml:"peerIdGenerator"`

	queryTemplate *template.Template
}

var validate = validator.New()

// Load reads and validates a fingerprint file.
func Load(path string) (*Fingerprint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrFingerprintInvalid, "%s: %s", path, err)
	}

	fp := &Fingerprint{}
	if err := yaml.Unmarshal(raw, fp); err != nil {
		return nil, errors.Wrapf(ErrFingerprintInvalid, "%s: %s", path, err)
	}

	if err := validate.Struct(fp); err != nil {
		return nil, errors.Wrapf(ErrFingerprintInvalid, "%s: %s", path, err)
	}
	if fp.KeyAlgorithm.Algorithm == nil || fp.KeyGenerator.Generator == nil {
		return nil, errors.Wrapf(ErrFingerprintInvalid, "%s: keyAlgorithm/keyGenerator are required", path)
	}
	if fp.PeerIDAlgorithm.Algorithm == nil || fp.PeerIDGenerator.Generator == nil {
		return nil, errors.Wrapf(ErrFingerprintInvalid, "%s: peerIdAlgorithm/peerIdGenerator are required", path)
	}
	if err := key.Validate(fp.KeyAlgorithm.Algorithm, fp.KeyGenerator.Generator); err != nil {
		return nil, errors.Wrapf(ErrFingerprintInvalid, "%s: %s", path, err)
	}
	if err := peerid.Validate(fp.PeerIDAlgorithm.Algorithm, fp.PeerIDGenerator.Generator); err != nil {
		return nil, errors.Wrapf(ErrFingerprintInvalid, "%s: %s", path, err)
	}
	if err := fp.compileQueryTemplate(); err != nil {
		return nil, errors.Wrapf(ErrFingerprintInvalid, "%s: %s", path, err)
	}

	return fp, nil
}

// KeyFor returns this client's announce "key" for one announce attempt,
// honoring its configured refresh strategy.
func (fp *Fingerprint) KeyFor(infoHash torrent.InfoHash, event tracker.AnnounceEvent) key.Key {
	return fp.KeyGenerator.Get(fp.KeyAlgorithm.Algorithm, infoHash, event)
}

// PeerIDFor returns this client's peer id for one announce attempt,
// honoring its configured refresh strategy.
func (fp *Fingerprint) PeerIDFor(infoHash torrent.InfoHash, event tracker.AnnounceEvent) peerid.PeerID {
	return fp.PeerIDGenerator.Get(fp.PeerIDAlgorithm.Algorithm, infoHash, event)
}

// EncodeQueryValue percent-escapes a query string value the way this
// client's HTTP library does.
func (fp *Fingerprint) EncodeQueryValue(str string) string {
	return fp.QueryEscapeHexCase.Encode(str)
}

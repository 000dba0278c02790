// Package peerid generates the 20-byte peer id a torrent client sends on
// every announce, in the client's own distinctive encoding.
package peerid

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/tracker"
	"github.com/lucasjones/reggen"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Length is the fixed size of a BitTorrent peer id.
const Length = 20

// PeerID is a client's self-reported identity for one connection/session.
type PeerID [Length]byte

func (p PeerID) String() string {
	return string(p[:])
}

// Algorithm produces fresh PeerID values.
type Algorithm interface {
	Generate() PeerID
	validate() error
}

var algorithms = map[string]func() Algorithm{
	"REGEX_PATTERN":       func() Algorithm { return &RegexPatternAlgorithm{} },
	"POOL_WITH_CHECKSUM":  func() Algorithm { return &PoolWithChecksumAlgorithm{randomSource: rand.Reader} },
}

// RegexPatternAlgorithm generates ids matching a client-specific regular
// expression, e.g. "-qB4490-[A-Za-z0-9]{12}".
type RegexPatternAlgorithm struct {
	Pattern   string `yaml:"pattern"`
	generator *reggen.Generator
}

func (a *RegexPatternAlgorithm) Generate() PeerID {
	if a.generator == nil {
		if err := a.validate(); err != nil {
			panic(err)
		}
	}
	generated := a.generator.Generate(10)
	var id PeerID
	copy(id[:], generated)
	return id
}

func (a *RegexPatternAlgorithm) validate() error {
	generator, err := reggen.NewGenerator(a.Pattern)
	if err != nil {
		return errors.Wrap(err, "peer id algorithm: bad regex pattern")
	}
	a.generator = generator
	return nil
}

// PoolWithChecksumAlgorithm builds a fixed prefix plus a random suffix
// drawn from a character pool, with the final character chosen so the
// suffix's values sum to a multiple of the pool size (the checksum scheme
// some clients use to self-validate generated ids).
type PoolWithChecksumAlgorithm struct {
	Prefix         string `yaml:"prefix"`
	CharactersPool string `yaml:"charactersPool"`
	randomSource   io.Reader
}

func (a *PoolWithChecksumAlgorithm) Generate() PeerID {
	suffixLength := Length - len(a.Prefix)
	randomBytes := make([]byte, suffixLength-1)
	if _, err := io.ReadFull(a.randomSource, randomBytes); err != nil {
		panic(errors.Wrap(err, "peer id algorithm: failed to read random bytes"))
	}

	buf := make([]byte, suffixLength)
	total := 0
	for i := 0; i < suffixLength-1; i++ {
		val := int(randomBytes[i]) % len(a.CharactersPool)
		total += val
		buf[i] = a.CharactersPool[val]
	}
	checksum := 0
	if total%len(a.CharactersPool) != 0 {
		checksum = len(a.CharactersPool) - (total % len(a.CharactersPool))
	}
	buf[suffixLength-1] = a.CharactersPool[checksum]

	var id PeerID
	copy(id[:len(a.Prefix)], a.Prefix)
	copy(id[len(a.Prefix):], buf)
	return id
}

func (a *PoolWithChecksumAlgorithm) validate() error {
	if a.randomSource == nil {
		a.randomSource = rand.Reader
	}
	if len(a.Prefix) > Length-2 {
		return errors.Errorf("peer id algorithm: prefix %q is too long", a.Prefix)
	}
	if len(a.CharactersPool) < 1 {
		return errors.Errorf("peer id algorithm: charactersPool is too short")
	}
	return nil
}

// AlgorithmBox carries the polymorphic Algorithm through YAML.
type AlgorithmBox struct {
	Algorithm
}

func (b *AlgorithmBox) UnmarshalYAML(value *yaml.Node) error {
	discriminator := &struct {
		Type string `yaml:"type"`
	}{}
	if err := value.Decode(discriminator); err != nil {
		return err
	}
	factory, ok := algorithms[discriminator.Type]
	if !ok {
		return errors.Errorf("peer id algorithm: unknown type %q", discriminator.Type)
	}
	impl := factory()
	if err := value.Decode(impl); err != nil {
		return err
	}
	b.Algorithm = impl
	return nil
}

// Generator decides when the peer id is regenerated versus reused.
type Generator interface {
	Get(algo Algorithm, infoHash torrent.InfoHash, event tracker.AnnounceEvent) PeerID
	validate() error
}

var generators = map[string]func() Generator{
	"NEVER_REFRESH":                  func() Generator { return &NeverRefreshGenerator{} },
	"TIMED_OR_STARTED_EVENT_REFRESH":  func() Generator { return &TimedOrStartedEventRefreshGenerator{} },
}

// NeverRefreshGenerator generates an id once per process lifetime.
type NeverRefreshGenerator struct {
	value *PeerID
}

func (g *NeverRefreshGenerator) Get(algo Algorithm, _ torrent.InfoHash, _ tracker.AnnounceEvent) PeerID {
	if g.value == nil {
		v := algo.Generate()
		g.value = &v
	}
	return *g.value
}
func (g *NeverRefreshGenerator) validate() error { return nil }

// TimedOrStartedEventRefreshGenerator regenerates the id once the refresh
// interval elapses, or unconditionally on a "started" event.
type TimedOrStartedEventRefreshGenerator struct {
	RefreshEvery   time.Duration `yaml:"refreshEvery"`
	value          *PeerID
	nextGeneration time.Time
}

func (g *TimedOrStartedEventRefreshGenerator) Get(algo Algorithm, _ torrent.InfoHash, event tracker.AnnounceEvent) PeerID {
	if g.shouldRegenerate(event) {
		v := algo.Generate()
		g.value = &v
		g.nextGeneration = time.Now().Add(g.RefreshEvery)
	}
	return *g.value
}

func (g *TimedOrStartedEventRefreshGenerator) shouldRegenerate(event tracker.AnnounceEvent) bool {
	if g.value == nil || event == tracker.Started {
		return true
	}
	return g.nextGeneration.Before(time.Now())
}

func (g *TimedOrStartedEventRefreshGenerator) validate() error {
	if g.RefreshEvery <= 0 {
		return errors.New("peer id generator: 'refreshEvery' must be positive in TIMED_OR_STARTED_EVENT_REFRESH")
	}
	return nil
}

// GeneratorBox carries the polymorphic Generator through YAML.
type GeneratorBox struct {
	Generator
}

func (b *GeneratorBox) UnmarshalYAML(value *yaml.Node) error {
	discriminator := &struct {
		Type string `yaml:"type"`
	}{}
	if err := value.Decode(discriminator); err != nil {
		return err
	}
	factory, ok := generators[discriminator.Type]
	if !ok {
		return errors.Errorf("peer id generator: unknown type %q", discriminator.Type)
	}
	impl := factory()
	if err := value.Decode(impl); err != nil {
		return err
	}
	b.Generator = impl
	return nil
}

// Validate checks both the algorithm and the generator wrapping it.
func Validate(algo Algorithm, gen Generator) error {
	if err := algo.validate(); err != nil {
		return err
	}
	return gen.validate()
}

// Package key generates the tracker announce "key" parameter: a
// per-session or per-torrent token some trackers use to recognize a
// returning client across IP changes, independent of peer id.
package key

import (
	"fmt"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/tracker"
	"github.com/haldorn/torsim/internal/randutils"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Key is the numeric value sent as the announce "key" parameter.
type Key uint32

// String renders a Key as uppercase hexadecimal, the form most trackers
// expect it encoded in.
func (k Key) String() string {
	return fmt.Sprintf("%08X", uint32(k))
}

// Algorithm produces fresh Key values.
type Algorithm interface {
	Generate() Key
	validate() error
}

var algorithms = map[string]func() Algorithm{
	"NUM_RANGE_HEX": func() Algorithm { return &NumRangeHexAlgorithm{} },
}

// NumRangeHexAlgorithm draws a uniformly random value from [Min, Max].
type NumRangeHexAlgorithm struct {
	Min uint32 `yaml:"min"`
	Max uint32 `yaml:"max"`
}

func (a *NumRangeHexAlgorithm) Generate() Key {
	return Key(randutils.RangeUint32(a.Min, a.Max))
}

func (a *NumRangeHexAlgorithm) validate() error {
	if a.Min > a.Max {
		return errors.New("key algorithm: 'max' must be greater or equal to 'min'")
	}
	return nil
}

// AlgorithmBox carries the polymorphic Algorithm through YAML, dispatching
// on a "type" discriminator the way the rest of this module's fingerprint
// format does.
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
		return errors.Errorf("key algorithm: unknown type %q", discriminator.Type)
	}
	impl := factory()
	if err := value.Decode(impl); err != nil {
		return err
	}
	b.Algorithm = impl
	return nil
}

// Generator decides when the key is regenerated versus reused across
// announces for a given torrent.
type Generator interface {
	Get(algo Algorithm, infoHash torrent.InfoHash, event tracker.AnnounceEvent) Key
	validate() error
}

var generators = map[string]func() Generator{
	"NEVER_REFRESH":                 func() Generator { return &NeverRefreshGenerator{} },
	"ALWAYS_REFRESH":                func() Generator { return &AlwaysRefreshGenerator{} },
	"TIMED_OR_STARTED_EVENT_REFRESH": func() Generator { return &TimedOrStartedEventRefreshGenerator{} },
}

// NeverRefreshGenerator generates a key once per process lifetime and
// reuses it for every subsequent announce.
type NeverRefreshGenerator struct {
	value *Key
}

func (g *NeverRefreshGenerator) Get(algo Algorithm, _ torrent.InfoHash, _ tracker.AnnounceEvent) Key {
	if g.value == nil {
		v := algo.Generate()
		g.value = &v
	}
	return *g.value
}
func (g *NeverRefreshGenerator) validate() error { return nil }

// AlwaysRefreshGenerator draws a fresh key on every announce.
type AlwaysRefreshGenerator struct{}

func (g *AlwaysRefreshGenerator) Get(algo Algorithm, _ torrent.InfoHash, _ tracker.AnnounceEvent) Key {
	return algo.Generate()
}
func (g *AlwaysRefreshGenerator) validate() error { return nil }

// TimedOrStartedEventRefreshGenerator regenerates the key whenever the
// refresh interval has elapsed, or unconditionally on a "started" event.
type TimedOrStartedEventRefreshGenerator struct {
	RefreshEvery   time.Duration `yaml:"refreshEvery"`
	value          *Key
	nextGeneration time.Time
}

func (g *TimedOrStartedEventRefreshGenerator) Get(algo Algorithm, _ torrent.InfoHash, event tracker.AnnounceEvent) Key {
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
		return errors.New("key generator: 'refreshEvery' must be positive in TIMED_OR_STARTED_EVENT_REFRESH")
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
		return errors.Errorf("key generator: unknown type %q", discriminator.Type)
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

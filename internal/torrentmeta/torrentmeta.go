// Package torrentmeta holds the torrent identity (info-hash, name, size,
// tracker tiers) parsed from a meta-info (.torrent) file, keeping only the
// RAM-light subset of fields this emulator actually needs.
package torrentmeta

import (
	"path/filepath"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
)

// Info is the emulator's view of a torrent's identity and metadata. It
// deliberately omits the piece list: this system never hashes or serves
// piece data.
type Info struct {
	Path         string
	InfoHash     torrent.InfoHash
	Name         string
	Size         int64
	Private      bool
	Announce     string
	AnnounceList metainfo.AnnounceList
}

// Tiers returns the ordered list of tracker tiers (each an ordered list of
// URLs), per the multi-tracker extension, falling back to a single-tier
// list built from the legacy "announce" field when AnnounceList is absent.
func (i Info) Tiers() [][]string {
	if len(i.AnnounceList) > 0 {
		tiers := make([][]string, len(i.AnnounceList))
		for idx, tier := range i.AnnounceList {
			copied := make([]string, len(tier))
			copy(copied, tier)
			tiers[idx] = copied
		}
		return tiers
	}
	if i.Announce != "" {
		return [][]string{{i.Announce}}
	}
	return nil
}

// ErrTorrentParse wraps any failure to parse or hash a meta-info file.
var ErrTorrentParse = errors.New("failed to parse torrent file")

// FromFile loads a .torrent file, computing its 20-byte info-hash by
// re-encoding and hashing the "info" sub-dictionary.
func FromFile(path string) (*Info, error) {
	meta, err := metainfo.LoadFromFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrTorrentParse, "%s: %s", filepath.Base(path), err)
	}

	info, err := meta.UnmarshalInfo()
	if err != nil {
		return nil, errors.Wrapf(ErrTorrentParse, "%s: bad info dictionary: %s", filepath.Base(path), err)
	}

	private := info.Private != nil && *info.Private

	return &Info{
		Path:         path,
		InfoHash:     meta.HashInfoBytes(),
		Name:         info.Name,
		Size:         info.TotalLength(),
		Private:      private,
		Announce:     meta.Announce,
		AnnounceList: meta.AnnounceList,
	}, nil
}

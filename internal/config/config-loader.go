package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	torrentFolder          = "torrents"
	archivedTorrentFolders = torrentFolder + string(os.PathSeparator) + "archived"
	clientsFolder          = "clients"
	configFile             = "config.json"
	elapsedTimesFile        = "elapsed-times.json"
)

// Layout is the resolved set of paths under a config root directory.
type Layout struct {
	RootDir             string
	ConfigFile          string
	TorrentsDir         string
	ArchivedTorrentsDir string
	ClientsDir          string
	ElapsedTimesFile    string
}

// ResolveLayout creates the minimal directory structure under rootDir if
// absent, and returns the resolved Layout. It fails fatally if
// ArchivedTorrentsDir already exists and is not a directory.
func ResolveLayout(rootDir string) (*Layout, error) {
	rootDir, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, errors.Wrapf(err, "config: failed to resolve absolute path for %q", rootDir)
	}

	layout := &Layout{
		RootDir:             rootDir,
		ConfigFile:          filepath.Join(rootDir, configFile),
		TorrentsDir:         filepath.Join(rootDir, torrentFolder),
		ArchivedTorrentsDir: filepath.Join(rootDir, archivedTorrentFolders),
		ClientsDir:          filepath.Join(rootDir, clientsFolder),
		ElapsedTimesFile:    filepath.Join(rootDir, elapsedTimesFile),
	}

	if err := ensureIsDirectoryOrAbsent(layout.ArchivedTorrentsDir); err != nil {
		return nil, err
	}

	for _, dir := range []string{rootDir, layout.TorrentsDir, layout.ArchivedTorrentsDir, layout.ClientsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "config: failed to create folder %q", dir)
		}
	}

	return layout, nil
}

func ensureIsDirectoryOrAbsent(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "config: failed to stat %q", path)
	}
	if !info.IsDir() {
		return errors.Wrapf(ErrConfigInvalid, "path %q exists and is not a directory", path)
	}
	return nil
}

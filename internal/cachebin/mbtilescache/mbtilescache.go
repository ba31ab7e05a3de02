// Package mbtilescache backs a cachebin.Cache with one SQLite-backed
// mbtiles.Store per named bin, all rooted under a single directory.
package mbtilescache

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/MeKo-Tech/osgcore/internal/cachebin"
	"github.com/MeKo-Tech/osgcore/internal/config"
	"github.com/MeKo-Tech/osgcore/internal/mbtiles"
)

// Factory returns a cachebin backing function that opens "<dir>/<name>
// .mbtiles" for each distinct bin name Cache asks for. Open failures are
// not fatal to the caller: the bin degrades to a failingBin that reports
// StatusIOError on every read and a descriptive error on every write, so
// one bad mount doesn't bring down a process using several named bins.
func Factory(dir string, logger *slog.Logger) func(name string) cachebin.Bin {
	if logger == nil {
		logger = slog.Default()
	}
	return func(name string) cachebin.Bin {
		path := filepath.Join(dir, name+".mbtiles")
		store, _, _, err := mbtiles.Open(path, "", false)
		if err != nil {
			logger.Error("mbtilescache: failed to open bin, degrading to failing bin", "name", name, "path", path, "error", err)
			return &failingBin{err: err}
		}
		return store
	}
}

// NewCache is a convenience constructor wiring Factory straight into a
// cachebin.Cache.
func NewCache(dir string, logger *slog.Logger) *cachebin.Cache {
	return cachebin.NewCache(Factory(dir, logger))
}

// failingBin reports every operation as an I/O error, carrying the open
// failure forward instead of panicking or silently no-opping.
type failingBin struct {
	mu  sync.Mutex
	err error
}

func (f *failingBin) ReadString(key string) (cachebin.Entry, error) {
	return cachebin.Entry{Status: cachebin.StatusIOError}, f.wrapped("read")
}

func (f *failingBin) ReadMetadata(key string) (cachebin.Entry, error) {
	return cachebin.Entry{Status: cachebin.StatusIOError}, f.wrapped("read metadata")
}

func (f *failingBin) Write(key string, blob []byte, metadata *config.Config) error {
	return f.wrapped("write")
}

func (f *failingBin) Touch(key string) error {
	return f.wrapped("touch")
}

func (f *failingBin) wrapped(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Errorf("mbtilescache: bin unavailable, %s failed: %w", op, f.err)
}

var _ cachebin.Bin = (*failingBin)(nil)

// Package filecache implements a cachebin.Bin backed by a directory of
// blob + JSON-metadata file pairs.
package filecache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MeKo-Tech/osgcore/internal/cachebin"
	"github.com/MeKo-Tech/osgcore/internal/config"
)

// Backend stores each entry as two files under dir: "<hash>.blob" and
// "<hash>.meta.json". A per-key mutex set serializes concurrent writers
// to the same key without blocking unrelated keys.
type Backend struct {
	dir string

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex
}

// New returns a Backend rooted at dir, creating it if necessary.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Backend{dir: dir, keyLocks: map[string]*sync.Mutex{}}, nil
}

type metaFile struct {
	Timestamp    time.Time `json:"timestamp"`
	LastModified time.Time `json:"lastModified"`
	Metadata     []byte    `json:"metadata"` // Config.ToJSON()
}

func (b *Backend) lockFor(key string) *sync.Mutex {
	b.keyLocksMu.Lock()
	defer b.keyLocksMu.Unlock()
	m, ok := b.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		b.keyLocks[key] = m
	}
	return m
}

func (b *Backend) hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (b *Backend) paths(key string) (blobPath, metaPath string) {
	h := b.hash(key)
	return filepath.Join(b.dir, h+".blob"), filepath.Join(b.dir, h+".meta.json")
}

func (b *Backend) ReadString(key string) (cachebin.Entry, error) {
	lock := b.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	blobPath, metaPath := b.paths(key)
	blob, err := os.ReadFile(blobPath)
	if errors.Is(err, os.ErrNotExist) {
		return cachebin.Entry{Status: cachebin.StatusNotFound}, nil
	}
	if err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}

	meta, err := b.readMeta(metaPath)
	if err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}

	cfg, err := config.FromJSON(meta.Metadata)
	if err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}

	return cachebin.Entry{
		Status:       cachebin.StatusOK,
		Blob:         blob,
		Metadata:     cfg,
		Timestamp:    meta.Timestamp,
		LastModified: meta.LastModified,
	}, nil
}

func (b *Backend) ReadMetadata(key string) (cachebin.Entry, error) {
	lock := b.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	_, metaPath := b.paths(key)
	meta, err := b.readMeta(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return cachebin.Entry{Status: cachebin.StatusNotFound}, nil
	}
	if err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}
	cfg, err := config.FromJSON(meta.Metadata)
	if err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}
	return cachebin.Entry{
		Status:       cachebin.StatusOK,
		Metadata:     cfg,
		Timestamp:    meta.Timestamp,
		LastModified: meta.LastModified,
	}, nil
}

func (b *Backend) Write(key string, blob []byte, metadata *config.Config) error {
	lock := b.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	blobPath, metaPath := b.paths(key)
	if err := os.WriteFile(blobPath, blob, 0o644); err != nil {
		return err
	}

	if metadata == nil {
		metadata = config.New("metadata")
	}
	encoded, err := metadata.ToJSON()
	if err != nil {
		return err
	}

	var lastModified time.Time
	var lm string
	if metadata.Get("last-modified", &lm) {
		if t, err := time.Parse(time.RFC1123, lm); err == nil {
			lastModified = t
		}
	}

	return b.writeMeta(metaPath, metaFile{
		Timestamp:    time.Now(),
		LastModified: lastModified,
		Metadata:     encoded,
	})
}

func (b *Backend) Touch(key string) error {
	lock := b.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	_, metaPath := b.paths(key)
	meta, err := b.readMeta(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	meta.Timestamp = time.Now()
	return b.writeMeta(metaPath, meta)
}

func (b *Backend) readMeta(path string) (metaFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return metaFile{}, err
	}
	var m metaFile
	if err := json.Unmarshal(data, &m); err != nil {
		return metaFile{}, err
	}
	return m, nil
}

func (b *Backend) writeMeta(path string, m metaFile) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

var _ cachebin.Bin = (*Backend)(nil)

package cachebin

import (
	"testing"
	"time"

	"github.com/MeKo-Tech/osgcore/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestIsExpiredByAge(t *testing.T) {
	p := Policy{MaxAge: 60 * time.Second}
	assert.False(t, p.IsExpired(time.Now()))
	assert.True(t, p.IsExpired(time.Now().Add(-120*time.Second)))
}

func TestIsExpiredForceExpire(t *testing.T) {
	p := Policy{MaxAge: time.Hour, ForceExpire: true}
	assert.True(t, p.IsExpired(time.Now()))
}

func TestHasNoCacheControl(t *testing.T) {
	md := config.New("metadata")
	md.Set("cache-control", "max-age=0, no-cache")
	assert.True(t, HasNoCacheControl(md))

	md2 := config.New("metadata")
	md2.Set("cache-control", "max-age=60")
	assert.False(t, HasNoCacheControl(md2))

	assert.False(t, HasNoCacheControl(nil))
}

func TestNormalizeKeyTrimsAndEncodesSpaces(t *testing.T) {
	assert.Equal(t, "http://ex/a%20b.png", NormalizeKey("  http://ex/a b.png  "))
}

func TestKeyFromURLPreservesParamOrder(t *testing.T) {
	key := KeyFromURL("http://ex/tile", [][2]string{{"z", "1"}, {"a", "2"}})
	assert.Equal(t, "http://ex/tile?z=1&a=2", key)
}

type memBin struct {
	entries map[string]Entry
}

func (m *memBin) ReadString(key string) (Entry, error) {
	if e, ok := m.entries[key]; ok {
		return e, nil
	}
	return Entry{Status: StatusNotFound}, nil
}
func (m *memBin) ReadMetadata(key string) (Entry, error) { return m.ReadString(key) }
func (m *memBin) Write(key string, blob []byte, md *config.Config) error {
	m.entries[key] = Entry{Status: StatusOK, Blob: blob, Metadata: md, Timestamp: time.Now()}
	return nil
}
func (m *memBin) Touch(key string) error {
	if e, ok := m.entries[key]; ok {
		e.Timestamp = time.Now()
		m.entries[key] = e
	}
	return nil
}

func TestCacheCreatesBinOnDemandOnce(t *testing.T) {
	calls := 0
	c := NewCache(func(name string) Bin {
		calls++
		return &memBin{entries: map[string]Entry{}}
	})

	b1 := c.Bin("tiles")
	b2 := c.Bin("tiles")
	assert.Same(t, b1, b2)
	assert.Equal(t, 1, calls)
}

func TestDefaultBinSharedAcrossCallers(t *testing.T) {
	c := NewCache(func(name string) Bin { return &memBin{entries: map[string]Entry{}} })
	assert.Same(t, c.DefaultBin(), c.Bin("default"))
}

func TestProcessGlobalDefaultCache(t *testing.T) {
	c := NewCache(func(name string) Bin { return &memBin{entries: map[string]Entry{}} })
	SetDefault(c)
	defer SetDefault(nil)
	assert.Same(t, c, Default())
}

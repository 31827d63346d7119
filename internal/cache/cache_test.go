package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func openTemp(t *testing.T) (*Cache, *fakeClock) {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.bolt"), zerolog.Nop())
	require_.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	c.SetClock(clk.Now)
	return c, clk
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("https://tv.api.teleboy.ch/epg/genres")
	assert_.Len(t, a, 64)
	assert_.Equal(t, a, Fingerprint("https://tv.api.teleboy.ch/epg/genres"))
	assert_.NotEqual(t, a, Fingerprint("https://tv.api.teleboy.ch/epg/stations"))
}

func TestReadWrite_ttl(t *testing.T) {
	c, clk := openTemp(t)
	assert := assert_.New(t)

	_, ok := c.Read("k")
	assert.False(ok, "never written")

	require_.NoError(t, c.Write("k", []byte("body"), clk.Now().Add(time.Minute)))
	got, ok := c.Read("k")
	assert.True(ok)
	assert.Equal("body", string(got))

	clk.Advance(time.Minute)
	_, ok = c.Read("k")
	assert.False(ok, "expired at validUntil")

	entries, _ := c.Stats()
	assert.Equal(1, entries, "expired entries are not deleted on read")
}

func TestWrite_overwrites(t *testing.T) {
	c, clk := openTemp(t)
	require_.NoError(t, c.Write("k", []byte("one"), clk.Now().Add(time.Hour)))
	require_.NoError(t, c.Write("k", []byte("two"), clk.Now().Add(time.Hour)))
	got, ok := c.Read("k")
	assert_.True(t, ok)
	assert_.Equal(t, "two", string(got))
}

func TestCleanup_removesOnlyExpired(t *testing.T) {
	c, clk := openTemp(t)
	assert := assert_.New(t)
	require_.NoError(t, c.Write("old1", []byte("aaaa"), clk.Now().Add(time.Second)))
	require_.NoError(t, c.Write("old2", []byte("bb"), clk.Now().Add(2*time.Second)))
	require_.NoError(t, c.Write("fresh", []byte("c"), clk.Now().Add(time.Hour)))

	clk.Advance(10 * time.Second)
	removed, freed, err := c.Cleanup()
	require_.NoError(t, err)
	assert.Equal(2, removed)
	assert.EqualValues(2*headerLen+6, freed)

	entries, _ := c.Stats()
	assert.Equal(1, entries)
	_, ok := c.Read("fresh")
	assert.True(ok)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	c, clk := openTemp(t)
	until := clk.Now().Add(time.Hour)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				key := fmt.Sprintf("k%d", i%5)
				body := []byte(fmt.Sprintf("w%d-%d", w, i))
				assert_.NoError(t, c.Write(key, body, until))
				if got, ok := c.Read(key); ok {
					// Never a partial write: every value has the w<n>-<i> shape.
					assert_.Regexp(t, `^w\d-\d+$`, string(got))
				}
			}
		}(w)
	}
	wg.Wait()
}

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/snapetech/teleboy-pvr/internal/epg"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "teleboy.db"))
	require_.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParams_getSet(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	assert := assert_.New(t)

	v, err := s.Get(ctx, "cinergy_s")
	require_.NoError(t, err)
	assert.Equal("", v)

	require_.NoError(t, s.Set(ctx, "cinergy_s", "abc"))
	require_.NoError(t, s.Set(ctx, "cinergy_s", "def"))
	v, err = s.Get(ctx, "cinergy_s")
	require_.NoError(t, err)
	assert.Equal("def", v)

	require_.NoError(t, s.Set(ctx, "cinergy_s", ""))
	v, _ = s.Get(ctx, "cinergy_s")
	assert.Equal("", v)
}

func TestParams_survivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "teleboy.db")
	s, err := Open(ctx, path)
	require_.NoError(t, err)
	require_.NoError(t, s.Set(ctx, "cinergy_s", "warm"))
	require_.NoError(t, s.Close())

	s2, err := Open(ctx, path)
	require_.NoError(t, err)
	defer s2.Close()
	v, err := s2.Get(ctx, "cinergy_s")
	require_.NoError(t, err)
	assert_.Equal(t, "warm", v)
}

func TestEmit_idempotentUnderConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	base := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	batch := []epg.Broadcast{
		{ID: 1, Title: "News", Start: base, End: base.Add(30 * time.Minute)},
		{ID: 2, Title: "Film", Start: base.Add(30 * time.Minute), End: base.Add(2 * time.Hour), Year: 1999},
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert_.NoError(t, s.Emit(ctx, 303, batch))
		}()
	}
	wg.Wait()

	got, err := s.Broadcasts(ctx, 303, base.Add(-24*time.Hour), base.Add(24*time.Hour))
	require_.NoError(t, err)
	require_.Len(t, got, 2)
	assert_.Equal(t, "News", got[0].Title)
	assert_.Equal(t, 1999, got[1].Year)
	assert_.True(t, got[1].End.Equal(base.Add(2*time.Hour)))
}

func TestBroadcast_lookup(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	base := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	require_.NoError(t, s.Emit(ctx, 303, []epg.Broadcast{{ID: 77, Title: "Tatort", Start: base, End: base.Add(90 * time.Minute), Season: 2}}))

	b, ok, err := s.Broadcast(ctx, 77)
	require_.NoError(t, err)
	require_.True(t, ok)
	assert_.Equal(t, 303, b.ChannelID)
	assert_.Equal(t, 2, b.Season)
	assert_.True(t, b.Start.Equal(base))

	_, ok, err = s.Broadcast(ctx, 78)
	require_.NoError(t, err)
	assert_.False(t, ok)
}

func TestEmit_empty(t *testing.T) {
	s := openTemp(t)
	assert_.NoError(t, s.Emit(context.Background(), 1, nil))
}

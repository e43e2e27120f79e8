package layer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cacheflow/config"
	"github.com/BaSui01/cacheflow/store"
	"github.com/BaSui01/cacheflow/testutil"
	"github.com/BaSui01/cacheflow/types"
)

type failingEmbedder struct{ err error }

func (f *failingEmbedder) Embed(context.Context, string) ([]float64, error) { return nil, f.err }

func newDiary(t *testing.T, cfg config.DiaryConfig) (*Diary, store.BackingStore, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	archive := store.NewMemoryStore(nil)
	d := NewDiary(cfg, store.NewMemoryStore(nil), archive, testutil.NewHashEmbedder(32), nil, WithDiaryClock(clock.Now))
	return d, archive, clock
}

func TestDiaryAppendDerivesImportance(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newDiary(t, config.DefaultConfig().Diary)

	id, err := d.Append(ctx, "s1", []byte("chose sqlite for the archive"), "decision", map[string]string{
		"confidence":   "1.0",
		"impact_level": "high",
		"outcome":      "success",
	})
	require.NoError(t, err)

	got, err := d.store.Get(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Score, 1e-9)
	assert.Equal(t, "decision", got.Key.ContentType)
	assert.Equal(t, "s1", got.Key.SessionID)

	// Missing signals land on the neutral middle.
	id2, err := d.Append(ctx, "s1", []byte("plain note"), "insight", nil)
	require.NoError(t, err)
	got2, err := d.store.Get(ctx, id2)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got2.Score, 1e-9)
}

func TestDiarySearchWeightsAndCutoffs(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig().Diary
	cfg.HalfLives = map[string]time.Duration{"insight": 7 * 24 * time.Hour}
	d, _, clock := newDiary(t, cfg)

	meta := map[string]string{"confidence": "1.0", "impact_level": "high", "outcome": "success"}
	oldID, err := d.Append(ctx, "s1", []byte("postgres vacuum schedule tuned"), "insight", meta)
	require.NoError(t, err)

	clock.Advance(14 * 24 * time.Hour)
	freshID, err := d.Append(ctx, "s2", []byte("postgres vacuum schedule tuned again"), "insight", meta)
	require.NoError(t, err)

	emb, err := testutil.NewHashEmbedder(32).Embed(ctx, "postgres vacuum schedule")
	require.NoError(t, err)

	matches, err := d.Search(ctx, emb, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, freshID, matches[0].Entry.ID, "two half-lives of decay outweigh equal relevance")
	assert.Equal(t, oldID, matches[1].Entry.ID)

	// Dissimilar content never appears, regardless of importance.
	far, err := testutil.NewHashEmbedder(32).Embed(ctx, "unrelated billing dispute")
	require.NoError(t, err)
	matches, err = d.Search(ctx, far, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	for _, m := range matches {
		assert.Greater(t, m.Similarity, 0.0)
	}
}

func TestDiarySearchTimeRange(t *testing.T) {
	ctx := context.Background()
	d, _, clock := newDiary(t, config.DefaultConfig().Diary)

	meta := map[string]string{"confidence": "0.9"}
	_, err := d.Append(ctx, "s1", []byte("early note about deploys"), "insight", meta)
	require.NoError(t, err)

	cutoff := clock.Now().Add(time.Hour)
	clock.Advance(2 * time.Hour)
	lateID, err := d.Append(ctx, "s1", []byte("late note about deploys"), "insight", meta)
	require.NoError(t, err)

	emb, err := testutil.NewHashEmbedder(32).Embed(ctx, "note about deploys")
	require.NoError(t, err)

	matches, err := d.Search(ctx, emb, cutoff, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, lateID, matches[0].Entry.ID)
}

func TestDiaryAppendWithoutEmbedding(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Now().UTC())
	hot := store.NewMemoryStore(nil)
	d := NewDiary(config.DefaultConfig().Diary, hot, store.NewMemoryStore(nil),
		&failingEmbedder{err: types.ErrEmbeddingUnavailable}, nil, WithDiaryClock(clock.Now))

	id, err := d.Append(ctx, "s1", []byte("still worth keeping"), "insight", nil)
	require.NoError(t, err, "a failed embedding does not lose the entry")

	got, err := hot.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got.Key.Embedding)

	// Unsearchable, but present.
	emb, _ := testutil.NewHashEmbedder(32).Embed(ctx, "still worth keeping")
	matches, err := d.Search(ctx, emb, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDiaryArchive(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig().Diary
	cfg.ArchiveThreshold = 0.1
	cfg.ArchiveGrace = 24 * time.Hour
	d, archive, clock := newDiary(t, cfg)

	// Born below the threshold: importance 0.075.
	coldID, err := d.Append(ctx, "s1", []byte("failed low-impact experiment"), "insight", map[string]string{
		"confidence":   "0.0",
		"impact_level": "low",
		"outcome":      "failure",
	})
	require.NoError(t, err)
	hotID, err := d.Append(ctx, "s1", []byte("important durable decision"), "decision", map[string]string{
		"confidence":   "1.0",
		"impact_level": "high",
		"outcome":      "success",
	})
	require.NoError(t, err)

	// Inside the grace period nothing moves.
	moved, err := d.Archive(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	clock.Advance(25 * time.Hour)
	moved, err = d.Archive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	_, err = d.store.Get(ctx, coldID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = d.store.Get(ctx, hotID)
	assert.NoError(t, err)

	archived, err := archive.Get(ctx, coldID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), archived.Version)

	exported, err := d.ExportArchive(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, exported, 1)
	assert.Equal(t, coldID, exported[0].ID)

	// Archived entries stay out of search.
	emb, _ := testutil.NewHashEmbedder(32).Embed(ctx, "failed low-impact experiment")
	matches, err := d.Search(ctx, emb, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	for _, m := range matches {
		assert.NotEqual(t, coldID, m.Entry.ID)
	}
}

package weave

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal(t *testing.T) {
	t.Parallel()

	t.Run("lookup_by_content", func(t *testing.T) {
		t.Parallel()

		j := NewJournal(NewMemStorage())
		image := []byte("woven image")
		rec := JournalRecord{
			Assembly: "App",
			Path:     "/out/App.akim",
			Mvid:     "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
			WovenAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Methods:  4,
			Warnings: 1,
		}
		require.NoError(t, j.Record(image, rec))

		got, ok, err := j.Lookup(image)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rec.Assembly, got.Assembly)
		assert.Equal(t, rec.Mvid, got.Mvid)
		assert.True(t, rec.WovenAt.Equal(got.WovenAt))
		assert.Equal(t, 4, got.Methods)

		_, ok, err = j.Lookup([]byte("woven image, changed"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("records_ordered", func(t *testing.T) {
		t.Parallel()

		j := NewJournal(NewMemStorage())
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		for i, name := range []string{"C", "A", "B"} {
			offset := map[string]time.Duration{"A": 0, "B": time.Minute, "C": time.Hour}[name]
			rec := JournalRecord{Assembly: name, Path: "/out/" + name + ".akim", WovenAt: base.Add(offset)}
			require.NoError(t, j.Record([]byte{byte(i)}, rec))
		}

		records, err := j.Records()
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "A", records[0].Assembly)
		assert.Equal(t, "B", records[1].Assembly)
		assert.Equal(t, "C", records[2].Assembly)
	})

	t.Run("rewritten_path_replaces_record", func(t *testing.T) {
		t.Parallel()

		j := NewJournal(NewMemStorage())
		first, second := []byte("first image"), []byte("second image")
		require.NoError(t, j.Record(first, JournalRecord{Assembly: "App", Path: "/out/App.akim", Methods: 1}))
		require.NoError(t, j.Record(second, JournalRecord{Assembly: "App", Path: "/out/App.akim", Methods: 2}))
		require.NoError(t, j.Record(second, JournalRecord{Assembly: "App", Path: "/out/App.akim", Methods: 2}))

		_, ok, err := j.Lookup(first)
		require.NoError(t, err)
		assert.False(t, ok)
		records, err := j.Records()
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, 2, records[0].Methods)
	})

	t.Run("clear", func(t *testing.T) {
		t.Parallel()

		store := NewMemStorage()
		require.NoError(t, store.Put("other", []byte("not a record")))
		j := NewJournal(store)
		require.NoError(t, j.Record([]byte("image"), JournalRecord{Assembly: "App", Path: "/out/App.akim"}))

		require.NoError(t, j.Clear())
		records, err := j.Records()
		require.NoError(t, err)
		assert.Empty(t, records)
		keys, err := store.Keys("")
		require.NoError(t, err)
		assert.Equal(t, []string{"other"}, keys)
	})

	t.Run("corrupt_record", func(t *testing.T) {
		t.Parallel()

		store := NewMemStorage()
		j := NewJournal(store)
		image := []byte("image")
		require.NoError(t, store.Put(journalImagePrefix+contentKey(image), []byte{0xc1}))

		_, _, err := j.Lookup(image)
		require.Error(t, err)
		_, err = j.Records()
		require.Error(t, err)
	})

	t.Run("badger", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping badger journal in short mode")
		}
		t.Parallel()

		store, err := NewBadgerStorage(filepath.Join(t.TempDir(), "journal"), 16, zerolog.Nop())
		require.NoError(t, err)
		defer store.Close()

		j := NewJournal(store)
		require.NoError(t, j.Record([]byte("image"), JournalRecord{Assembly: "App", Path: "/out/App.akim", Methods: 2}))
		require.NoError(t, j.Record([]byte("image2"), JournalRecord{Assembly: "App", Path: "/out/App.akim", Methods: 3}))
		got, ok, err := j.Lookup([]byte("image2"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 3, got.Methods)
		records, err := j.Records()
		require.NoError(t, err)
		assert.Len(t, records, 1)

		require.NoError(t, j.Clear())
		_, ok, err = j.Lookup([]byte("image2"))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestContentKey(t *testing.T) {
	t.Parallel()

	a := contentKey([]byte("image"))
	assert.Equal(t, a, contentKey([]byte("image")))
	assert.NotEqual(t, a, contentKey([]byte("image2")))
	assert.NotEmpty(t, a)
}

package diskslice_test

import (
	"os"
	"testing"

	"github.com/jmylchreest/imgarr/pkg/diskslice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// entry mirrors the shape of a scan listing record.
type entry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// spillOpts force a spill after a handful of appends.
func spillOpts() diskslice.Options {
	return diskslice.Options{
		MemoryThreshold:   100,
		EstimatedItemSize: 50,
	}
}

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		ds, err := diskslice.NewWithDefaults[entry]()
		require.NoError(t, err)
		defer ds.Close()

		assert.Equal(t, 0, ds.Len())
		assert.False(t, ds.IsSpilled())
	})

	t.Run("custom options", func(t *testing.T) {
		ds, err := diskslice.New[entry](diskslice.Options{
			MemoryThreshold:   1024 * 1024,
			TempDir:           os.TempDir(),
			EstimatedItemSize: 128,
			Name:              "scan-listing",
		})
		require.NoError(t, err)
		defer ds.Close()

		assert.Equal(t, 0, ds.Len())
	})
}

func TestAppend(t *testing.T) {
	t.Run("stays in memory under threshold", func(t *testing.T) {
		ds, err := diskslice.NewWithDefaults[entry]()
		require.NoError(t, err)
		defer ds.Close()

		require.NoError(t, ds.Append(entry{Path: "a.png", Size: 100}))
		require.NoError(t, ds.Append(entry{Path: "b.jpg", Size: 200}))

		assert.Equal(t, 2, ds.Len())
		assert.False(t, ds.IsSpilled())
	})

	t.Run("spills past threshold", func(t *testing.T) {
		ds, err := diskslice.New[entry](spillOpts())
		require.NoError(t, err)
		defer ds.Close()

		for i := 0; i < 8; i++ {
			require.NoError(t, ds.Append(entry{Path: "img.png", Size: int64(i)}))
		}

		assert.Equal(t, 8, ds.Len())
		assert.True(t, ds.IsSpilled())
	})
}

func TestAppendSlice(t *testing.T) {
	ds, err := diskslice.NewWithDefaults[entry]()
	require.NoError(t, err)
	defer ds.Close()

	err = ds.AppendSlice([]entry{
		{Path: "a.png"},
		{Path: "b.png"},
		{Path: "c.jpg"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, ds.Len())
}

func TestGet(t *testing.T) {
	t.Run("from memory", func(t *testing.T) {
		ds, err := diskslice.NewWithDefaults[entry]()
		require.NoError(t, err)
		defer ds.Close()

		ds.Append(entry{Path: "first.png", Size: 10})
		ds.Append(entry{Path: "second.jpg", Size: 20})

		item, err := ds.Get(0)
		require.NoError(t, err)
		assert.Equal(t, "first.png", item.Path)
		assert.Equal(t, int64(10), item.Size)

		item, err = ds.Get(1)
		require.NoError(t, err)
		assert.Equal(t, "second.jpg", item.Path)
	})

	t.Run("random access after spill", func(t *testing.T) {
		ds, err := diskslice.New[entry](spillOpts())
		require.NoError(t, err)
		defer ds.Close()

		for i := 0; i < 10; i++ {
			ds.Append(entry{Size: int64(i)})
		}
		require.True(t, ds.IsSpilled())

		for _, idx := range []int{5, 0, 9, 3} {
			item, err := ds.Get(idx)
			require.NoError(t, err)
			assert.Equal(t, int64(idx), item.Size)
		}
	})

	t.Run("out of bounds", func(t *testing.T) {
		ds, err := diskslice.NewWithDefaults[entry]()
		require.NoError(t, err)
		defer ds.Close()

		ds.Append(entry{Path: "only.png"})

		_, err = ds.Get(-1)
		assert.Error(t, err)

		_, err = ds.Get(1)
		assert.Error(t, err)
	})
}

func TestFor(t *testing.T) {
	t.Run("visits memory items in order", func(t *testing.T) {
		ds, err := diskslice.NewWithDefaults[entry]()
		require.NoError(t, err)
		defer ds.Close()

		for i := 0; i < 5; i++ {
			ds.Append(entry{Size: int64(i)})
		}

		var seen []int64
		err = ds.For(func(index int, item *entry) bool {
			assert.Equal(t, len(seen), index)
			seen = append(seen, item.Size)
			return true
		})
		require.NoError(t, err)
		assert.Equal(t, []int64{0, 1, 2, 3, 4}, seen)
	})

	t.Run("visits disk items in order", func(t *testing.T) {
		ds, err := diskslice.New[entry](spillOpts())
		require.NoError(t, err)
		defer ds.Close()

		for i := 0; i < 10; i++ {
			ds.Append(entry{Size: int64(i)})
		}
		require.True(t, ds.IsSpilled())

		var count int
		err = ds.For(func(index int, item *entry) bool {
			assert.Equal(t, int64(count), item.Size)
			count++
			return true
		})
		require.NoError(t, err)
		assert.Equal(t, 10, count)
	})

	t.Run("stops when fn returns false", func(t *testing.T) {
		ds, err := diskslice.NewWithDefaults[entry]()
		require.NoError(t, err)
		defer ds.Close()

		for i := 0; i < 10; i++ {
			ds.Append(entry{Size: int64(i)})
		}

		var count int
		ds.For(func(index int, item *entry) bool {
			count++
			return index < 2
		})

		assert.Equal(t, 3, count)
	})
}

func TestToSlice(t *testing.T) {
	t.Run("copies memory items", func(t *testing.T) {
		ds, err := diskslice.NewWithDefaults[entry]()
		require.NoError(t, err)
		defer ds.Close()

		ds.Append(entry{Path: "a.png"})
		ds.Append(entry{Path: "b.png"})

		slice, err := ds.ToSlice()
		require.NoError(t, err)
		require.Len(t, slice, 2)

		// Mutating the copy must not touch the backing store.
		slice[0].Path = "mutated"
		item, _ := ds.Get(0)
		assert.Equal(t, "a.png", item.Path)
	})

	t.Run("reloads spilled items", func(t *testing.T) {
		ds, err := diskslice.New[entry](spillOpts())
		require.NoError(t, err)
		defer ds.Close()

		for i := 0; i < 10; i++ {
			ds.Append(entry{Size: int64(i)})
		}
		require.True(t, ds.IsSpilled())

		slice, err := ds.ToSlice()
		require.NoError(t, err)
		require.Len(t, slice, 10)
		for i, item := range slice {
			assert.Equal(t, int64(i), item.Size)
		}
	})
}

func TestClose(t *testing.T) {
	t.Run("removes spill file", func(t *testing.T) {
		ds, err := diskslice.New[entry](spillOpts())
		require.NoError(t, err)

		for i := 0; i < 10; i++ {
			ds.Append(entry{Size: int64(i)})
		}
		require.True(t, ds.IsSpilled())

		assert.NoError(t, ds.Close())
	})

	t.Run("memory-only close is a no-op", func(t *testing.T) {
		ds, err := diskslice.NewWithDefaults[entry]()
		require.NoError(t, err)

		ds.Append(entry{Path: "a.png"})

		assert.NoError(t, ds.Close())
	})
}

func TestEstimatedMemoryUsage(t *testing.T) {
	t.Run("grows per item estimate", func(t *testing.T) {
		ds, err := diskslice.New[entry](diskslice.Options{
			MemoryThreshold:   10000,
			EstimatedItemSize: 64,
		})
		require.NoError(t, err)
		defer ds.Close()

		assert.Equal(t, int64(0), ds.EstimatedMemoryUsage())

		ds.Append(entry{Path: "a.png"})
		assert.Equal(t, int64(64), ds.EstimatedMemoryUsage())

		ds.Append(entry{Path: "b.png"})
		assert.Equal(t, int64(128), ds.EstimatedMemoryUsage())
	})

	t.Run("drops to offset table after spill", func(t *testing.T) {
		ds, err := diskslice.New[entry](spillOpts())
		require.NoError(t, err)
		defer ds.Close()

		for i := 0; i < 10; i++ {
			ds.Append(entry{Size: int64(i)})
		}
		require.True(t, ds.IsSpilled())

		// 10 offsets at 8 bytes each.
		assert.Equal(t, int64(80), ds.EstimatedMemoryUsage())
	})
}

func TestAppendAfterSpill(t *testing.T) {
	ds, err := diskslice.New[entry](spillOpts())
	require.NoError(t, err)
	defer ds.Close()

	for i := 0; i < 5; i++ {
		ds.Append(entry{Size: int64(i)})
	}
	require.True(t, ds.IsSpilled())

	for i := 5; i < 10; i++ {
		require.NoError(t, ds.Append(entry{Size: int64(i)}))
	}
	assert.Equal(t, 10, ds.Len())

	for i := 0; i < 10; i++ {
		item, err := ds.Get(i)
		require.NoError(t, err)
		assert.Equal(t, int64(i), item.Size)
	}
}

func TestEmptySlice(t *testing.T) {
	ds, err := diskslice.NewWithDefaults[entry]()
	require.NoError(t, err)
	defer ds.Close()

	assert.Equal(t, 0, ds.Len())

	slice, err := ds.ToSlice()
	require.NoError(t, err)
	assert.Empty(t, slice)

	var count int
	ds.For(func(int, *entry) bool {
		count++
		return true
	})
	assert.Equal(t, 0, count)
}

func BenchmarkAppendMemory(b *testing.B) {
	ds, _ := diskslice.New[entry](diskslice.Options{
		MemoryThreshold: 1 << 30,
	})
	defer ds.Close()

	item := entry{Path: "photos/img_0001.png", Size: 4096}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ds.Append(item)
	}
}

func BenchmarkForDisk(b *testing.B) {
	ds, _ := diskslice.New[entry](diskslice.Options{
		MemoryThreshold:   1024,
		EstimatedItemSize: 100,
	})
	defer ds.Close()

	for i := 0; i < 10000; i++ {
		ds.Append(entry{Size: int64(i)})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ds.For(func(int, *entry) bool {
			return true
		})
	}
}

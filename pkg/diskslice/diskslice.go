// Package diskslice implements an append-mostly slice that spills to a
// temporary file once its estimated in-memory footprint crosses a
// threshold. It exists so directory scans can collect arbitrarily large
// file listings without holding every entry resident; below the
// threshold it is just a []T.
//
// Items must be JSON-serializable, since spilled records are stored as
// JSON lines. Reads are safe for concurrent use once population is
// done.
//
//	ds, err := diskslice.New[Entry](diskslice.Options{
//	    MemoryThreshold: 100 * 1024 * 1024,
//	})
//	if err != nil { ... }
//	defer ds.Close()
//
//	for _, e := range entries {
//	    ds.Append(e)
//	}
//	ds.For(func(i int, e *Entry) bool {
//	    enqueue(e)
//	    return true
//	})
package diskslice

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// Options configures spill behavior for a DiskSlice.
type Options struct {
	// MemoryThreshold is the estimated byte footprint at which items
	// move from memory to the spill file.
	MemoryThreshold int64

	// TempDir is where the spill file is created. Empty means
	// os.TempDir().
	TempDir string

	// EstimatedItemSize is the per-item byte estimate used for the
	// threshold check. It does not need to be accurate, just stable.
	EstimatedItemSize int

	// Name prefixes the spill file name, useful when several slices
	// share a temp directory.
	Name string
}

// DefaultOptions returns the options used when a field is left zero:
// a 500MB threshold, the system temp directory, and a 256-byte item
// estimate.
func DefaultOptions() Options {
	return Options{
		MemoryThreshold:   500 * 1024 * 1024,
		TempDir:           os.TempDir(),
		EstimatedItemSize: 256,
		Name:              "diskslice",
	}
}

// DiskSlice holds items in memory until the configured threshold is
// reached, then moves everything to a JSON-lines spill file and keeps
// only per-record byte offsets resident. Callers see the same API in
// both modes.
type DiskSlice[T any] struct {
	opts Options

	mu sync.RWMutex

	memItems []T

	spilled   bool
	diskFile  *os.File
	diskPath  string
	offsets   []int64
	diskCount int

	estimatedBytes int64
}

// New creates a DiskSlice, filling zero-valued options from
// DefaultOptions.
func New[T any](opts Options) (*DiskSlice[T], error) {
	defaults := DefaultOptions()
	if opts.MemoryThreshold <= 0 {
		opts.MemoryThreshold = defaults.MemoryThreshold
	}
	if opts.TempDir == "" {
		opts.TempDir = defaults.TempDir
	}
	if opts.EstimatedItemSize <= 0 {
		opts.EstimatedItemSize = defaults.EstimatedItemSize
	}
	if opts.Name == "" {
		opts.Name = defaults.Name
	}

	return &DiskSlice[T]{
		opts:     opts,
		memItems: make([]T, 0, 64),
	}, nil
}

// NewWithDefaults creates a DiskSlice with DefaultOptions.
func NewWithDefaults[T any]() (*DiskSlice[T], error) {
	return New[T](DefaultOptions())
}

// Append adds one item, spilling the whole slice to disk if the
// estimated footprint crosses the threshold.
func (ds *DiskSlice[T]) Append(item T) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.spilled {
		return ds.appendToDisk(item)
	}

	ds.memItems = append(ds.memItems, item)
	ds.estimatedBytes += int64(ds.opts.EstimatedItemSize)

	if ds.estimatedBytes >= ds.opts.MemoryThreshold {
		if err := ds.spillToDisk(); err != nil {
			return fmt.Errorf("spilling to disk: %w", err)
		}
	}

	return nil
}

// AppendSlice appends every item in items.
func (ds *DiskSlice[T]) AppendSlice(items []T) error {
	for i := range items {
		if err := ds.Append(items[i]); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the item count.
func (ds *DiskSlice[T]) Len() int {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.spilled {
		return ds.diskCount
	}
	return len(ds.memItems)
}

// Get returns the item at index, reading it back from the spill file
// when spilled.
func (ds *DiskSlice[T]) Get(index int) (*T, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.spilled {
		return ds.getFromDisk(index)
	}

	if index < 0 || index >= len(ds.memItems) {
		return nil, fmt.Errorf("index %d out of bounds (len=%d)", index, len(ds.memItems))
	}

	return &ds.memItems[index], nil
}

// For visits each item in order until fn returns false. This is the
// cheapest way to walk a spilled slice: one sequential pass over the
// file instead of a seek per item.
func (ds *DiskSlice[T]) For(fn func(index int, item *T) bool) error {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.spilled {
		return ds.forDisk(fn)
	}

	for i := range ds.memItems {
		if !fn(i, &ds.memItems[i]) {
			break
		}
	}
	return nil
}

// IsSpilled reports whether items have moved to the spill file.
func (ds *DiskSlice[T]) IsSpilled() bool {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.spilled
}

// EstimatedMemoryUsage returns the current resident estimate. After a
// spill only the offset table counts.
func (ds *DiskSlice[T]) EstimatedMemoryUsage() int64 {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.spilled {
		return int64(len(ds.offsets) * 8)
	}
	return ds.estimatedBytes
}

// Close removes the spill file and drops in-memory state. The slice is
// unusable afterwards.
func (ds *DiskSlice[T]) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.diskFile != nil {
		ds.diskFile.Close()
		ds.diskFile = nil
	}

	if ds.diskPath != "" {
		os.Remove(ds.diskPath)
		ds.diskPath = ""
	}

	ds.memItems = nil
	ds.offsets = nil

	return nil
}

// ToSlice copies every item into a plain slice. For spilled data this
// re-reads the whole file into memory, so prefer For when the caller
// can stream.
func (ds *DiskSlice[T]) ToSlice() ([]T, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if !ds.spilled {
		result := make([]T, len(ds.memItems))
		copy(result, ds.memItems)
		return result, nil
	}

	result := make([]T, 0, ds.diskCount)
	err := ds.forDisk(func(_ int, item *T) bool {
		result = append(result, *item)
		return true
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (ds *DiskSlice[T]) spillToDisk() error {
	f, err := os.CreateTemp(ds.opts.TempDir, ds.opts.Name+"-*.jsonl")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	ds.diskFile = f
	ds.diskPath = f.Name()
	ds.offsets = make([]int64, 0, len(ds.memItems))

	encoder := json.NewEncoder(f)
	for i := range ds.memItems {
		offset, _ := f.Seek(0, io.SeekCurrent)
		ds.offsets = append(ds.offsets, offset)

		if err := encoder.Encode(&ds.memItems[i]); err != nil {
			return fmt.Errorf("encoding item %d: %w", i, err)
		}
	}

	ds.diskCount = len(ds.memItems)
	ds.spilled = true

	ds.memItems = nil
	ds.estimatedBytes = 0

	return nil
}

func (ds *DiskSlice[T]) appendToDisk(item T) error {
	offset, _ := ds.diskFile.Seek(0, io.SeekEnd)
	ds.offsets = append(ds.offsets, offset)

	encoder := json.NewEncoder(ds.diskFile)
	if err := encoder.Encode(&item); err != nil {
		return fmt.Errorf("encoding item: %w", err)
	}

	ds.diskCount++
	return nil
}

func (ds *DiskSlice[T]) getFromDisk(index int) (*T, error) {
	if index < 0 || index >= ds.diskCount {
		return nil, fmt.Errorf("index %d out of bounds (len=%d)", index, ds.diskCount)
	}

	offset := ds.offsets[index]
	if _, err := ds.diskFile.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to offset %d: %w", offset, err)
	}

	decoder := json.NewDecoder(ds.diskFile)
	var item T
	if err := decoder.Decode(&item); err != nil {
		return nil, fmt.Errorf("decoding item at offset %d: %w", offset, err)
	}

	return &item, nil
}

func (ds *DiskSlice[T]) forDisk(fn func(index int, item *T) bool) error {
	if _, err := ds.diskFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to start: %w", err)
	}

	decoder := json.NewDecoder(ds.diskFile)
	for i := 0; i < ds.diskCount; i++ {
		var item T
		if err := decoder.Decode(&item); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decoding item %d: %w", i, err)
		}

		if !fn(i, &item) {
			break
		}
	}

	return nil
}

// Package scanner discovers decodable image files under a set of input
// paths. Files are matched by content sniffing rather than extension, so
// a renamed PNG is still found and a .png full of garbage is not.
//
// Listings are held in a disk-backed slice so very large input trees do
// not pin the whole file list in memory.
package scanner

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/imgarr/internal/codec"
	"github.com/jmylchreest/imgarr/internal/config"
	"github.com/jmylchreest/imgarr/internal/observability"
	"github.com/jmylchreest/imgarr/pkg/diskslice"
)

// Candidate is one decodable file found during a scan.
type Candidate struct {
	// Path is the absolute path of the file.
	Path string `json:"path"`
	// RelPath is the path relative to the scanned input root. It is
	// used to mirror the input layout in the output tree. For a file
	// passed directly as an input it is the base name.
	RelPath string `json:"rel_path"`
	// Size is the file size in bytes.
	Size int64 `json:"size"`
	// Format is the sniffed image format.
	Format codec.Format `json:"format"`
}

// Stats summarizes a completed scan.
type Stats struct {
	// Scanned counts every regular file visited.
	Scanned int `json:"scanned"`
	// Matched counts files recognized as decodable images.
	Matched int `json:"matched"`
	// Skipped counts files that were visited but not matched
	// (unknown format, oversized, or unreadable).
	Skipped int `json:"skipped"`
	// TotalBytes is the combined size of all matched files.
	TotalBytes int64 `json:"total_bytes"`
}

// Listing is the result of a scan. It owns a disk-backed slice and must
// be closed when no longer needed.
type Listing struct {
	files *diskslice.DiskSlice[Candidate]
	stats Stats
}

// Len returns the number of matched candidates.
func (l *Listing) Len() int {
	return l.files.Len()
}

// Stats returns summary statistics for the scan.
func (l *Listing) Stats() Stats {
	return l.stats
}

// For iterates over candidates in discovery order. The callback returns
// false to stop early.
func (l *Listing) For(fn func(index int, c *Candidate) bool) error {
	return l.files.For(fn)
}

// ToSlice materializes all candidates into memory.
func (l *Listing) ToSlice() ([]Candidate, error) {
	return l.files.ToSlice()
}

// Close releases the listing's disk-backed storage.
func (l *Listing) Close() error {
	return l.files.Close()
}

// Scanner walks input paths and sniffs files for decodable images.
type Scanner struct {
	cfg    config.ScanConfig
	logger *slog.Logger
}

// New creates a Scanner with the given configuration.
func New(cfg config.ScanConfig, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		cfg:    cfg,
		logger: observability.WithComponent(logger, "scanner"),
	}
}

// Scan walks all input paths and returns a listing of decodable files.
// Inputs may be files or directories. A nonexistent input is an error;
// unreadable or unrecognized files inside a directory are skipped and
// counted, not fatal. Hidden files and directories are never walked.
//
// The caller owns the returned Listing and must Close it.
func (s *Scanner) Scan(ctx context.Context, inputs []string) (*Listing, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no input paths given")
	}

	opts := diskslice.DefaultOptions()
	opts.Name = "scan"
	if s.cfg.SpillThreshold > 0 {
		opts.MemoryThreshold = int64(s.cfg.SpillThreshold) * int64(opts.EstimatedItemSize)
	}

	files, err := diskslice.New[Candidate](opts)
	if err != nil {
		return nil, fmt.Errorf("creating listing: %w", err)
	}

	listing := &Listing{files: files}
	seen := make(map[string]struct{})

	for _, input := range inputs {
		if err := ctx.Err(); err != nil {
			listing.Close()
			return nil, err
		}

		abs, err := filepath.Abs(input)
		if err != nil {
			listing.Close()
			return nil, fmt.Errorf("resolving input %q: %w", input, err)
		}

		info, err := os.Stat(abs)
		if err != nil {
			listing.Close()
			return nil, fmt.Errorf("reading input %q: %w", input, err)
		}

		if info.IsDir() {
			if err := s.walkDir(ctx, abs, listing, seen); err != nil {
				listing.Close()
				return nil, err
			}
			continue
		}

		// A file named directly is always examined, even if it would
		// have been skipped by size limits inside a directory walk.
		s.examine(abs, filepath.Base(abs), info.Size(), listing, seen, true)
	}

	s.logger.InfoContext(ctx, "scan complete",
		slog.Int("inputs", len(inputs)),
		slog.Int("scanned", listing.stats.Scanned),
		slog.Int("matched", listing.stats.Matched),
		slog.Int("skipped", listing.stats.Skipped),
		slog.Int64("total_bytes", listing.stats.TotalBytes),
		slog.Bool("spilled", files.IsSpilled()),
	)

	return listing, nil
}

// walkDir walks one directory root, honoring recursion, depth, and
// symlink settings.
func (s *Scanner) walkDir(ctx context.Context, root string, listing *Listing, seen map[string]struct{}) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			s.logger.Warn("skipping unreadable entry", slog.String("path", path), slog.String("error", err.Error()))
			listing.stats.Skipped++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Hidden entries are never walked into or examined.
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path == root {
				return nil
			}
			if !s.cfg.Recursive {
				return filepath.SkipDir
			}
			if s.depth(root, path) > s.cfg.MaxDepth {
				s.logger.Log(ctx, observability.LevelTrace, "max depth reached", slog.String("path", path))
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			if !s.cfg.FollowSymlinks {
				return nil
			}
			return s.followSymlink(ctx, root, path, listing, seen)
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			listing.stats.Skipped++
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		s.examine(path, rel, info.Size(), listing, seen, false)
		return nil
	})
}

// followSymlink examines a symlink target, recursing into directory
// targets. Cycles are broken by the resolved-path dedupe set.
func (s *Scanner) followSymlink(ctx context.Context, root, path string, listing *Listing, seen map[string]struct{}) error {
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		s.logger.Warn("skipping broken symlink", slog.String("path", path), slog.String("error", err.Error()))
		listing.stats.Skipped++
		return nil
	}

	info, err := os.Stat(target)
	if err != nil {
		listing.stats.Skipped++
		return nil
	}

	if info.IsDir() {
		if _, dup := seen[target]; dup {
			return nil
		}
		seen[target] = struct{}{}
		if !s.cfg.Recursive {
			return nil
		}
		return s.walkDir(ctx, target, listing, seen)
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	s.examine(target, rel, info.Size(), listing, seen, false)
	return nil
}

// examine sniffs one regular file and appends it to the listing when it
// is a decodable image. Direct inputs bypass the size limit.
func (s *Scanner) examine(path, rel string, size int64, listing *Listing, seen map[string]struct{}, direct bool) {
	if _, dup := seen[path]; dup {
		return
	}
	seen[path] = struct{}{}

	listing.stats.Scanned++

	if !direct && s.cfg.MaxInputSize > 0 && size > s.cfg.MaxInputSize.Bytes() {
		s.logger.Warn("skipping oversized file",
			slog.String("path", path),
			slog.Int64("size", size),
			slog.String("limit", s.cfg.MaxInputSize.String()),
		)
		listing.stats.Skipped++
		return
	}

	format, ok := s.sniffFile(path, size)
	if !ok {
		s.logger.Log(context.Background(), observability.LevelTrace, "not a decodable image", slog.String("path", path))
		listing.stats.Skipped++
		return
	}

	if err := listing.files.Append(Candidate{
		Path:    path,
		RelPath: filepath.ToSlash(rel),
		Size:    size,
		Format:  format,
	}); err != nil {
		s.logger.Error("failed to record candidate", slog.String("path", path), slog.String("error", err.Error()))
		listing.stats.Skipped++
		return
	}

	listing.stats.Matched++
	listing.stats.TotalBytes += size
}

// sniffFile reads the magic prefix of a file and identifies its format.
func (s *Scanner) sniffFile(path string, size int64) (codec.Format, bool) {
	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn("skipping unreadable file", slog.String("path", path), slog.String("error", err.Error()))
		return "", false
	}
	defer f.Close()

	prefix := make([]byte, codec.SniffLen)
	n, err := io.ReadFull(f, prefix)
	if err != nil && err != io.ErrUnexpectedEOF {
		return "", false
	}

	format, err := codec.Sniff(prefix[:n], size)
	if err != nil || !format.CanDecode() {
		return "", false
	}
	return format, true
}

// depth returns the directory depth of path below root.
func (s *Scanner) depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

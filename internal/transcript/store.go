// SPDX-License-Identifier: Apache-2.0

// Package transcript stores one append-only log blob per run. Old blobs are
// gzipped in place and the oldest are evicted whole once the store outgrows
// its byte cap.
package transcript

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/switchboardhq/switchboard/internal/domain"
)

// Store owns the transcript directory. One store-wide mutex serializes all
// operations; appends and sweeps are short.
type Store struct {
	dir           string
	maxBytes      int64
	compressAfter time.Duration // <= 0 disables compression
	logger        *slog.Logger

	mu sync.Mutex
}

// Stats summarizes the store contents.
type Stats struct {
	TotalBytes int64 `json:"total_bytes"`
	BlobCount  int   `json:"blob_count"`
}

// Blob names one stored transcript and its on-disk size.
type Blob struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

type blobStat struct {
	path  string
	name  string
	size  int64
	mtime time.Time
}

// NewStore creates dir if needed and returns a store capped at maxBytes,
// compressing blobs untouched for longer than compressAfter.
func NewStore(dir string, maxBytes int64, compressAfter time.Duration, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	return &Store{
		dir:           dir,
		maxBytes:      maxBytes,
		compressAfter: compressAfter,
		logger:        logger,
	}, nil
}

// Dir returns the transcript directory.
func (s *Store) Dir() string {
	return s.dir
}

// Append adds text to the run's blob, creating it on first write, and
// returns the blob's path. Every append is followed by a sweep.
func (s *Store) Append(runID, text string) (string, error) {
	if !validID(runID) {
		return "", fmt.Errorf("invalid run id %q", runID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, runID+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open transcript: %w", err)
	}
	if _, err := f.WriteString(text); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to append transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close transcript: %w", err)
	}

	s.sweepLocked()
	return path, nil
}

// Read returns the full transcript for a run, decompressing transparently.
// A missing blob is domain.ErrTranscriptNotFound: transcripts are evicted
// independently of runs, so a dangling run.log_file is a normal condition.
func (s *Store) Read(runID string) (string, error) {
	if !validID(runID) {
		return "", domain.ErrTranscriptNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, runID+".log")
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read transcript: %w", err)
	}

	f, err := os.Open(path + ".gz")
	if errors.Is(err, os.ErrNotExist) {
		return "", domain.ErrTranscriptNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to open compressed transcript: %w", err)
	}
	defer func() { _ = f.Close() }()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to decompress transcript: %w", err)
	}
	defer func() { _ = zr.Close() }()

	out, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("failed to decompress transcript: %w", err)
	}
	return string(out), nil
}

// Stats reports total size and blob count.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blobs, err := s.listBlobs()
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, b := range blobs {
		st.TotalBytes += b.size
		st.BlobCount++
	}
	return st, nil
}

// Top returns the n largest blobs, largest first.
func (s *Store) Top(n int) ([]Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blobs, err := s.listBlobs()
	if err != nil {
		return nil, err
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].size > blobs[j].size })

	if n < 0 {
		n = 0
	}
	if n > len(blobs) {
		n = len(blobs)
	}
	out := make([]Blob, 0, n)
	for _, b := range blobs[:n] {
		out = append(out, Blob{Name: b.name, SizeBytes: b.size})
	}
	return out, nil
}

// Sweep compresses aged blobs, then evicts the oldest until the store fits
// its cap. Runs after every append and periodically from the janitor; all
// failures are logged and skipped.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
}

func (s *Store) sweepLocked() {
	s.compressAged()
	s.evictOverCap()
}

func (s *Store) compressAged() {
	if s.compressAfter <= 0 {
		return
	}
	blobs, err := s.listBlobs()
	if err != nil {
		s.logger.Warn("transcript sweep skipped", "error", err)
		return
	}

	cutoff := time.Now().Add(-s.compressAfter)
	for _, b := range blobs {
		if strings.HasSuffix(b.name, ".gz") || b.mtime.After(cutoff) {
			continue
		}
		if err := compressBlob(b.path, b.mtime); err != nil {
			s.logger.Warn("compress transcript failed", "name", b.name, "error", err)
		}
	}
}

func (s *Store) evictOverCap() {
	if s.maxBytes <= 0 {
		return
	}
	blobs, err := s.listBlobs()
	if err != nil {
		s.logger.Warn("transcript sweep skipped", "error", err)
		return
	}

	var total int64
	for _, b := range blobs {
		total += b.size
	}
	if total <= s.maxBytes {
		return
	}

	// Whole blobs go, oldest modification first; survivors are never
	// truncated. A blob that refuses to delete is skipped, not retried.
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].mtime.Before(blobs[j].mtime) })
	for _, b := range blobs {
		if total <= s.maxBytes {
			break
		}
		if err := os.Remove(b.path); err != nil {
			s.logger.Warn("evict transcript failed", "name", b.name, "error", err)
			continue
		}
		total -= b.size
		s.logger.Info("evicted transcript", "name", b.name, "size_bytes", b.size)
	}
}

func (s *Store) listBlobs() ([]blobStat, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}

	var blobs []blobStat
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".log") && !strings.HasSuffix(name, ".log.gz") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("stat transcript failed", "name", name, "error", err)
			continue
		}
		blobs = append(blobs, blobStat{
			path:  filepath.Join(s.dir, name),
			name:  name,
			size:  info.Size(),
			mtime: info.ModTime(),
		})
	}
	return blobs, nil
}

// compressBlob gzips path into path.gz carrying over the original mtime, so
// eviction order still reflects when the run happened, then removes the
// original.
func compressBlob(path string, mtime time.Time) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open blob: %w", err)
	}
	defer func() { _ = src.Close() }()

	dest := path + ".gz"
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = out.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("failed to compress blob: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("failed to close archive: %w", err)
	}

	if err := os.Chtimes(dest, mtime, mtime); err != nil {
		return fmt.Errorf("failed to carry mtime: %w", err)
	}
	return os.Remove(path)
}

// Run ids can arrive straight from request URLs; refuse anything that could
// reach outside the store directory.
func validID(runID string) bool {
	if runID == "" || runID == "." || runID == ".." {
		return false
	}
	return !strings.ContainsAny(runID, `/\`)
}

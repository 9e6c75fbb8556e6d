// Package cache implements the local staging area for audio inputs and
// transcript outputs: pure path derivation plus the one function
// allowed to write into it.
package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/MorrisSimons/podcast-transcriber/internal/errs"
	"github.com/MorrisSimons/podcast-transcriber/internal/job"
)

// Getter is the subset of the object store port the cache needs. The
// lifecycle controller wires the real *store.Store here; tests wire a
// fake.
type Getter interface {
	Get(ctx context.Context, key, localPath string) error
}

// Cache roots every audio/output path under a single local directory.
// It is best-effort persistent: correctness never depends on what
// survives a restart, only on what DownloadIfNeeded does this run.
type Cache struct {
	root string
}

// New creates root (and its audio/out subdirectories) if absent.
func New(root string) (*Cache, error) {
	for _, sub := range []string{"audio", "out"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, &errs.StoreError{Op: "cache-init", Sub: sub, Err: err}
		}
	}
	return &Cache{root: root}, nil
}

// AudioPath is a pure function of key: where the downloaded audio blob
// lands, preserving the key's folder structure under root/audio.
func (c *Cache) AudioPath(key job.Key) string {
	return filepath.Join(c.root, "audio", normalize(string(key)))
}

// OutputPath is a pure function of key: where the transcript text file
// is written before upload, under root/out, with the .txt extension the
// lifecycle controller computes via job.TranscriptKeyFor's basename.
func (c *Cache) OutputPath(key job.Key) string {
	norm := normalize(string(key))
	dir := filepath.Dir(norm)
	base := strings.TrimSuffix(filepath.Base(norm), filepath.Ext(norm))
	if dir == "." {
		return filepath.Join(c.root, "out", base+".txt")
	}
	return filepath.Join(c.root, "out", dir, base+".txt")
}

func normalize(key string) string {
	return strings.ReplaceAll(key, "\\", "/")
}

// DownloadIfNeeded is the cache's sole writer: a no-op when dest already
// exists and is non-empty, otherwise it fetches key from the store and
// lands it at dest. store.Store.Get already stages into a <dest>.part
// sibling and renames, so DownloadIfNeeded only needs to create the
// parent directory before delegating.
func DownloadIfNeeded(ctx context.Context, store Getter, key job.Key, dest string) error {
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &errs.StoreError{Op: "download-if-needed", Key: string(key), Sub: "mkdir", Err: err}
	}
	return store.Get(ctx, string(key), dest)
}

package filecache

import (
	"os"
	"path"
	"sync"

	"github.com/OdyseeTeam/streamproxy/internal/metrics"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
)

const cacheDirName = "video-cache"

// Registry is the process-wide URL to FileCache mapping. Exactly one
// FileCache instance exists per URL for the registry's lifetime.
type Registry struct {
	cacheDir string
	mu       sync.Mutex
	entries  map[string]*FileCache
}

func NewRegistry(baseDir string) (*Registry, error) {
	dir := path.Join(baseDir, cacheDirName)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Wrap(err, "cannot create cache dir")
	}
	return &Registry{
		cacheDir: dir,
		entries:  map[string]*FileCache{},
	}, nil
}

// GetFileCache returns the cache entry for the URL, creating it on
// first use.
func (r *Registry) GetFileCache(url string) (*FileCache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fc, ok := r.entries[url]; ok {
		return fc, nil
	}
	fc, err := New(url, r.cacheDir)
	if err != nil {
		return nil, err
	}
	r.entries[url] = fc
	metrics.CacheFilesCount.Inc()
	return fc, nil
}

func (r *Registry) CacheDir() string {
	return r.cacheDir
}

// Restore sweeps the cache dir and reports pre-existing entries.
// Entries are reattached lazily on the next GetFileCache call.
func (r *Registry) Restore() (int64, error) {
	var fnum, size int64
	names, err := godirwalk.ReadDirnames(r.cacheDir, nil)
	if err != nil {
		return 0, errors.Wrap(err, "cannot sweep cache")
	}
	for _, name := range names {
		s, err := os.Stat(path.Join(r.cacheDir, name))
		if err != nil || s.IsDir() {
			continue
		}
		size += s.Size()
		fnum++
	}
	logger.Infow("cache restored", "files_number", fnum, "size", size)
	return fnum, nil
}

// Release closes every cache entry and clears the mapping.
func (r *Registry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fc := range r.entries {
		fc.Close()
	}
	r.entries = map[string]*FileCache{}
}

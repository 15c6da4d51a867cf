package filecache

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// FileCache is a random-access, content-addressed cache entry for a
// single URL. The on-disk name is the hex md5 of the URL plus the URL's
// extension when it is 4 characters or shorter.
type FileCache struct {
	url       string
	cacheFile string
	mu        sync.Mutex
	file      *os.File
	closed    bool
}

func New(url, cacheDir string) (*FileCache, error) {
	fc := &FileCache{
		url:       url,
		cacheFile: path.Join(cacheDir, generateFileName(url)),
	}
	f, err := os.OpenFile(fc.cacheFile, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open cache file")
	}
	fc.file = f
	return fc, nil
}

func generateFileName(url string) string {
	name := hashURL(url)
	if ext := fileExtension(url); ext != "" {
		return name + "." + ext
	}
	return name
}

func hashURL(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

func fileExtension(url string) string {
	if i := strings.Index(url, "?"); i >= 0 {
		url = url[:i]
	}
	if i := strings.LastIndex(url, "."); i >= 0 {
		ext := url[i+1:]
		if len(ext) <= 4 {
			return ext
		}
	}
	return ""
}

// Write stores data at the given position, extending the file sparsely
// when position is past the current end.
func (c *FileCache) Write(data []byte, position int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if _, err := c.file.WriteAt(data, position); err != nil {
		return errors.Wrap(err, "cache write failed")
	}
	return nil
}

// Read returns up to length bytes at position. The returned slice is
// truncated near EOF, never padded. A closed cache reads empty.
func (c *FileCache) Read(position int64, length int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil
	}
	buf := make([]byte, length)
	n, err := c.file.ReadAt(buf, position)
	if err != nil && n == 0 {
		return nil, nil
	}
	return buf[:n], nil
}

func (c *FileCache) Exists() bool {
	_, err := os.Stat(c.cacheFile)
	return err == nil
}

func (c *FileCache) Length() int64 {
	s, err := os.Stat(c.cacheFile)
	if err != nil {
		return 0
	}
	return s.Size()
}

func (c *FileCache) CacheFile() string {
	return c.cacheFile
}

func (c *FileCache) URL() string {
	return c.url
}

// Remove deletes the on-disk file and reopens a fresh handle, so that
// subsequent writes start over from an empty file.
func (c *FileCache) Remove() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if err := c.file.Close(); err != nil {
		logger.Warnw("error closing cache file", "file", c.cacheFile, "err", err)
	}
	if err := os.Remove(c.cacheFile); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "cannot remove cache file")
	}
	f, err := os.OpenFile(c.cacheFile, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrap(err, "cannot reopen cache file")
	}
	c.file = f
	return nil
}

// Close is idempotent. Reads return empty and writes are dropped after it.
func (c *FileCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if err := c.file.Close(); err != nil {
		logger.Warnw("error closing cache file", "file", c.cacheFile, "err", err)
	}
}

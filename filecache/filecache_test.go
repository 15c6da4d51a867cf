package filecache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

type FileCacheSuite struct {
	suite.Suite
	cacheDir string
}

func TestFileCacheSuite(t *testing.T) {
	suite.Run(t, new(FileCacheSuite))
}

func (s *FileCacheSuite) SetupTest() {
	s.cacheDir = s.T().TempDir()
}

func (s *FileCacheSuite) TestFileName() {
	u := "https://example.com/videos/stream.mp4"
	fc, err := New(u, s.cacheDir)
	s.Require().NoError(err)
	defer fc.Close()

	sum := md5.Sum([]byte(u))
	s.Equal(path.Join(s.cacheDir, hex.EncodeToString(sum[:])+".mp4"), fc.CacheFile())
	s.Equal(u, fc.URL())
}

func (s *FileCacheSuite) TestFileNameLongExtension() {
	fc, err := New("https://example.com/stream.longext", s.cacheDir)
	s.Require().NoError(err)
	defer fc.Close()
	s.NotContains(path.Base(fc.CacheFile()), ".")
}

func (s *FileCacheSuite) TestFileNameQueryStripped() {
	fc, err := New("https://example.com/v.webm?token=abc.def", s.cacheDir)
	s.Require().NoError(err)
	defer fc.Close()
	s.Equal(".webm", path.Ext(fc.CacheFile()))
}

func (s *FileCacheSuite) TestWriteRead() {
	fc, err := New("https://example.com/v.mp4", s.cacheDir)
	s.Require().NoError(err)
	defer fc.Close()

	data := []byte("0123456789")
	s.Require().NoError(fc.Write(data, 0))
	s.EqualValues(10, fc.Length())
	s.True(fc.Exists())

	got, err := fc.Read(0, 10)
	s.Require().NoError(err)
	s.Equal(data, got)

	// short read near EOF comes back truncated, not padded
	got, err = fc.Read(5, 100)
	s.Require().NoError(err)
	s.Equal([]byte("56789"), got)

	// reading past EOF yields nothing
	got, err = fc.Read(100, 10)
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *FileCacheSuite) TestSparseWrite() {
	fc, err := New("https://example.com/v.mp4", s.cacheDir)
	s.Require().NoError(err)
	defer fc.Close()

	s.Require().NoError(fc.Write([]byte("tail"), 100))
	s.EqualValues(104, fc.Length())

	got, err := fc.Read(100, 4)
	s.Require().NoError(err)
	s.Equal([]byte("tail"), got)
}

func (s *FileCacheSuite) TestClose() {
	fc, err := New("https://example.com/v.mp4", s.cacheDir)
	s.Require().NoError(err)
	s.Require().NoError(fc.Write([]byte("data"), 0))

	fc.Close()
	fc.Close() // idempotent

	got, err := fc.Read(0, 4)
	s.Require().NoError(err)
	s.Empty(got)
	s.NoError(fc.Write([]byte("more"), 4))
	s.EqualValues(4, fc.Length())
}

func (s *FileCacheSuite) TestRemove() {
	fc, err := New("https://example.com/v.webm", s.cacheDir)
	s.Require().NoError(err)
	defer fc.Close()

	s.Require().NoError(fc.Write([]byte("stale"), 0))
	s.Require().NoError(fc.Remove())
	s.EqualValues(0, fc.Length())

	s.Require().NoError(fc.Write([]byte("fresh"), 0))
	got, err := fc.Read(0, 5)
	s.Require().NoError(err)
	s.Equal([]byte("fresh"), got)
}

func (s *FileCacheSuite) TestRegistrySingleInstance() {
	r, err := NewRegistry(s.cacheDir)
	s.Require().NoError(err)
	defer r.Release()

	u := "https://example.com/v.mp4"
	var wg sync.WaitGroup
	caches := make([]*FileCache, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fc, err := r.GetFileCache(u)
			s.NoError(err)
			caches[i] = fc
		}(i)
	}
	wg.Wait()

	for _, fc := range caches[1:] {
		s.Same(caches[0], fc)
	}
}

func (s *FileCacheSuite) TestRegistryCacheDir() {
	r, err := NewRegistry(s.cacheDir)
	s.Require().NoError(err)
	defer r.Release()

	s.Equal(path.Join(s.cacheDir, "video-cache"), r.CacheDir())
	st, err := os.Stat(r.CacheDir())
	s.Require().NoError(err)
	s.True(st.IsDir())
}

func (s *FileCacheSuite) TestRegistryRestore() {
	r, err := NewRegistry(s.cacheDir)
	s.Require().NoError(err)

	for i := 0; i < 5; i++ {
		fc, err := r.GetFileCache(fmt.Sprintf("https://example.com/v%v.mp4", i))
		s.Require().NoError(err)
		s.Require().NoError(fc.Write([]byte("x"), 0))
	}
	r.Release()

	r, err = NewRegistry(s.cacheDir)
	s.Require().NoError(err)
	defer r.Release()
	n, err := r.Restore()
	s.Require().NoError(err)
	s.EqualValues(5, n)
}

package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/OdyseeTeam/streamproxy/filecache"

	"github.com/stretchr/testify/suite"
)

type ProxySuite struct {
	suite.Suite
	registry *filecache.Registry
	server   *Server
	listener *recordingListener
}

type recordingListener struct {
	sync.Mutex
	progress  []int
	available chan string
	errs      chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		available: make(chan string, 16),
		errs:      make(chan error, 16),
	}
}

func (l *recordingListener) OnCacheProgress(url string, percentsAvailable int) {
	l.Lock()
	l.progress = append(l.progress, percentsAvailable)
	l.Unlock()
}

func (l *recordingListener) OnCacheAvailable(url string, cacheFile string) {
	l.available <- cacheFile
}

func (l *recordingListener) OnCacheError(url string, percentsAvailable int, err error) {
	l.errs <- err
}

func TestProxySuite(t *testing.T) {
	suite.Run(t, new(ProxySuite))
}

func (s *ProxySuite) SetupTest() {
	var err error
	s.registry, err = filecache.NewRegistry(s.T().TempDir())
	s.Require().NoError(err)
	s.listener = newRecordingListener()
	s.server = NewServer(Configure().
		Port(0).
		Registry(s.registry).
		CacheListener(s.listener),
	)
	s.Require().NoError(s.server.Start())
}

func (s *ProxySuite) TearDownTest() {
	s.server.Shutdown()
	s.registry.Release()
}

func (s *ProxySuite) request(target string, headers ...string) *http.Response {
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%v", s.server.Port()))
	s.Require().NoError(err)
	s.T().Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	fmt.Fprintf(conn, "GET /%v HTTP/1.1\r\n", url.PathEscape(target))
	fmt.Fprintf(conn, "Host: 127.0.0.1\r\n")
	for _, h := range headers {
		fmt.Fprintf(conn, "%v\r\n", h)
	}
	fmt.Fprintf(conn, "\r\n")

	res, err := http.ReadResponse(bufio.NewReader(conn), nil)
	s.Require().NoError(err)
	return res
}

func (s *ProxySuite) TestColdFetch() {
	body := bytes.Repeat([]byte{0x41}, 1024)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "1024")
		w.Write(body)
	}))
	defer origin.Close()

	target := origin.URL + "/v.mp4"
	res := s.request(target)
	defer res.Body.Close()

	s.Equal(http.StatusOK, res.StatusCode)
	s.Equal("video/mp4", res.Header.Get("Content-Type"))
	s.Equal("1024", res.Header.Get("Content-Length"))
	s.Equal("bytes", res.Header.Get("Accept-Ranges"))
	s.Equal("*", res.Header.Get("Access-Control-Allow-Origin"))
	s.Equal("no-cache", res.Header.Get("Cache-Control"))

	got, err := ioutil.ReadAll(res.Body)
	s.Require().NoError(err)
	s.Equal(body, got)

	select {
	case f := <-s.listener.available:
		s.NotEmpty(f)
	case <-time.After(5 * time.Second):
		s.FailNow("OnCacheAvailable not fired")
	}

	fc, err := s.registry.GetFileCache(target)
	s.Require().NoError(err)
	s.EqualValues(1024, fc.Length())
	cached, err := fc.Read(0, 1024)
	s.Require().NoError(err)
	s.Equal(body, cached)
}

func (s *ProxySuite) TestRangeHitFromCache() {
	target := "https://example.com/v.mp4"
	fc, err := s.registry.GetFileCache(target)
	s.Require().NoError(err)
	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	s.Require().NoError(fc.Write(content, 0))

	res := s.request(target, "Range: bytes=100-199")
	defer res.Body.Close()

	s.Equal(http.StatusPartialContent, res.StatusCode)
	s.Equal("bytes 100-199/1000", res.Header.Get("Content-Range"))
	s.Equal("100", res.Header.Get("Content-Length"))

	got, err := ioutil.ReadAll(res.Body)
	s.Require().NoError(err)
	s.Equal(content[100:200], got)
}

func (s *ProxySuite) TestWebMRangeRewrite() {
	target := "https://example.com/v.webm"
	fc, err := s.registry.GetFileCache(target)
	s.Require().NoError(err)
	content := make([]byte, 500)
	for i := range content {
		content[i] = byte(i % 249)
	}
	s.Require().NoError(fc.Write(content, 0))

	res := s.request(target, "Range: bytes=600-")
	defer res.Body.Close()

	s.Equal(http.StatusPartialContent, res.StatusCode)
	s.Equal("bytes 0-499/500", res.Header.Get("Content-Range"))
	s.Equal("500", res.Header.Get("Content-Length"))
	s.Equal("video/webm", res.Header.Get("Content-Type"))

	got, err := ioutil.ReadAll(res.Body)
	s.Require().NoError(err)
	s.Equal(content, got)
}

func (s *ProxySuite) TestRangeNotSatisfiable() {
	target := "https://example.com/small.mp4"
	fc, err := s.registry.GetFileCache(target)
	s.Require().NoError(err)
	s.Require().NoError(fc.Write([]byte("0123456789"), 0))

	res := s.request(target, "Range: bytes=20-")
	defer res.Body.Close()

	s.Equal(http.StatusRequestedRangeNotSatisfiable, res.StatusCode)
	s.Equal("bytes */10", res.Header.Get("Content-Range"))
}

func (s *ProxySuite) TestNoRangeServesFromStart() {
	target := "https://example.com/plain.mp4"
	fc, err := s.registry.GetFileCache(target)
	s.Require().NoError(err)
	s.Require().NoError(fc.Write([]byte("0123456789"), 0))

	res := s.request(target)
	defer res.Body.Close()

	s.Equal(http.StatusPartialContent, res.StatusCode)
	s.Equal("bytes 0-9/10", res.Header.Get("Content-Range"))
	got, err := ioutil.ReadAll(res.Body)
	s.Require().NoError(err)
	s.Equal("0123456789", string(got))
}

func (s *ProxySuite) TestUpstreamErrorForwarded() {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone fishing", http.StatusNotFound)
	}))
	defer origin.Close()

	res := s.request(origin.URL + "/missing.mp4")
	defer res.Body.Close()

	s.Equal(http.StatusNotFound, res.StatusCode)
}

func (s *ProxySuite) TestUpstreamConnectError() {
	// nothing listens on this port
	res := s.request("http://127.0.0.1:1/v.mp4")
	defer res.Body.Close()

	s.Equal(http.StatusInternalServerError, res.StatusCode)

	select {
	case err := <-s.listener.errs:
		s.Error(err)
	case <-time.After(5 * time.Second):
		s.FailNow("OnCacheError not fired")
	}
}

func (s *ProxySuite) TestSecondRequestServedFromCache() {
	var hits int
	var mu sync.Mutex
	body := bytes.Repeat([]byte{0x42}, 256)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.Header().Set("Content-Type", "video/mp4")
		w.Write(body)
	}))
	defer origin.Close()

	target := origin.URL + "/v.mp4"
	res := s.request(target)
	ioutil.ReadAll(res.Body)
	res.Body.Close()

	select {
	case <-s.listener.available:
	case <-time.After(5 * time.Second):
		s.FailNow("first fetch did not complete")
	}

	res = s.request(target)
	defer res.Body.Close()
	s.Equal(http.StatusPartialContent, res.StatusCode)
	got, err := ioutil.ReadAll(res.Body)
	s.Require().NoError(err)
	s.Equal(body, got)

	mu.Lock()
	s.Equal(1, hits)
	mu.Unlock()
}

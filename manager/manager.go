package manager

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/OdyseeTeam/streamproxy/filecache"
	"github.com/OdyseeTeam/streamproxy/hls"
	"github.com/OdyseeTeam/streamproxy/internal/config"
	"github.com/OdyseeTeam/streamproxy/proxy"

	"github.com/pkg/errors"
)

// Manager ties the cache registry, the proxy server and per-URL
// listener routing together. One instance per process; create with New
// and dispose with Release.
type Manager struct {
	cfg      *config.Config
	registry *filecache.Registry
	server   *proxy.Server

	listeners *sync.Map // url -> proxy.CacheListener

	mu        sync.Mutex
	hlsCaches map[string]*hls.M3U8Cache
	released  bool
}

// HLSStatus is a point-in-time snapshot of one prefetch run.
type HLSStatus struct {
	URL       string `json:"url"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
	Canceled  bool   `json:"canceled"`
}

// Status is served by the diagnostic API.
type Status struct {
	Port     int         `json:"port"`
	CacheDir string      `json:"cache_dir"`
	HLS      []HLSStatus `json:"hls"`
}

func New(cfg *config.Config) (*Manager, error) {
	registry, err := filecache.NewRegistry(cfg.CacheDir)
	if err != nil {
		return nil, errors.Wrap(err, "cannot initialize cache registry")
	}

	m := &Manager{
		cfg:       cfg,
		registry:  registry,
		listeners: &sync.Map{},
		hlsCaches: map[string]*hls.M3U8Cache{},
	}

	m.server = proxy.NewServer(proxy.Configure().
		Port(cfg.Proxy.Port).
		Registry(registry).
		CacheListener(fanout{m}).
		InsecureSkipVerify(cfg.Proxy.InsecureSkipVerify).
		CopyBufferSize(cfg.Proxy.CopyBufferBytes()).
		RetryBufferSize(cfg.Proxy.RetryBufferBytes()),
	)
	if err := m.server.Start(); err != nil {
		return nil, errors.Wrap(err, "cannot start proxy server")
	}

	if _, err := registry.Restore(); err != nil {
		logger.Warnw("cache restore failed", "err", err)
	}

	logger.Infow("video cache manager started", "port", m.server.Port(), "cache_dir", registry.CacheDir())
	return m, nil
}

// GetProxyURL maps an origin URL onto the local proxy: scheme
// stripped, the rest percent-encoded into the path.
func (m *Manager) GetProxyURL(mediaURL string) string {
	if mediaURL == "" {
		return mediaURL
	}
	stripped := strings.TrimPrefix(strings.TrimPrefix(mediaURL, "http://"), "https://")
	return fmt.Sprintf("http://127.0.0.1:%v/%v", m.server.Port(), url.PathEscape(stripped))
}

func (m *Manager) Port() int {
	return m.server.Port()
}

// RegisterCacheListener routes progressive cache callbacks for the URL
// to the listener. One listener per URL, the last registration wins.
func (m *Manager) RegisterCacheListener(l proxy.CacheListener, mediaURL string) {
	if l == nil || mediaURL == "" {
		return
	}
	m.listeners.Store(mediaURL, l)
}

func (m *Manager) UnregisterCacheListener(mediaURL string) {
	m.listeners.Delete(mediaURL)
}

func (m *Manager) UnregisterAllCacheListeners() {
	m.listeners.Range(func(k, _ interface{}) bool {
		m.listeners.Delete(k)
		return true
	})
}

// NewM3U8Cache creates (or returns) the prefetcher for an HLS URL.
func (m *Manager) NewM3U8Cache(mediaURL string) (*hls.M3U8Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.hlsCaches[mediaURL]; ok {
		return c, nil
	}
	c, err := hls.New(mediaURL, m.registry.CacheDir())
	if err != nil {
		return nil, err
	}
	m.hlsCaches[mediaURL] = c
	return c, nil
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Port:     m.server.Port(),
		CacheDir: m.registry.CacheDir(),
	}
	for u, c := range m.hlsCaches {
		st.HLS = append(st.HLS, HLSStatus{
			URL:       u,
			Completed: c.Completed(),
			Failed:    c.Failed(),
			Total:     c.TotalSegments(),
			Canceled:  c.IsCanceled(),
		})
	}
	return st
}

// Release cancels prefetch runs, stops the proxy and clears the
// registry. Idempotent.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	caches := m.hlsCaches
	m.hlsCaches = map[string]*hls.M3U8Cache{}
	m.mu.Unlock()

	m.UnregisterAllCacheListeners()
	for _, c := range caches {
		c.Cancel()
	}
	m.server.Shutdown()
	m.registry.Release()
	logger.Info("video cache manager released")
}

// fanout routes server-level callbacks to the per-URL listener, when
// one is registered.
type fanout struct {
	m *Manager
}

func (f fanout) OnCacheProgress(url string, percentsAvailable int) {
	if l, ok := f.m.listeners.Load(url); ok {
		l.(proxy.CacheListener).OnCacheProgress(url, percentsAvailable)
	}
}

func (f fanout) OnCacheAvailable(url string, cacheFile string) {
	if l, ok := f.m.listeners.Load(url); ok {
		l.(proxy.CacheListener).OnCacheAvailable(url, cacheFile)
	}
}

func (f fanout) OnCacheError(url string, percentsAvailable int, err error) {
	if l, ok := f.m.listeners.Load(url); ok {
		l.(proxy.CacheListener).OnCacheError(url, percentsAvailable, err)
	}
}

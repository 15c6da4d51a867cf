package proxy

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/OdyseeTeam/streamproxy/filecache"

	"github.com/oklog/ulid/v2"
	"go.uber.org/atomic"
)

const DefaultPort = 8080

// CacheListener receives progressive download callbacks. The server
// holds a non-owning reference; fan-out to per-URL consumers happens
// in the manager.
type CacheListener interface {
	OnCacheProgress(url string, percentsAvailable int)
	OnCacheAvailable(url string, cacheFile string)
	OnCacheError(url string, percentsAvailable int, err error)
}

type Configuration struct {
	port               int
	registry           *filecache.Registry
	cacheListener      CacheListener
	insecureSkipVerify bool
	copyBufferSize     int
	retryBufferSize    int
}

func Configure() *Configuration {
	return &Configuration{
		port:            DefaultPort,
		copyBufferSize:  8 * 1024,
		retryBufferSize: 16 * 1024,
	}
}

func (c *Configuration) Port(port int) *Configuration {
	c.port = port
	return c
}

func (c *Configuration) Registry(r *filecache.Registry) *Configuration {
	c.registry = r
	return c
}

func (c *Configuration) CacheListener(l CacheListener) *Configuration {
	c.cacheListener = l
	return c
}

// InsecureSkipVerify disables origin certificate and hostname checks.
// For local testing only.
func (c *Configuration) InsecureSkipVerify(b bool) *Configuration {
	c.insecureSkipVerify = b
	return c
}

func (c *Configuration) CopyBufferSize(size int) *Configuration {
	if size > 0 {
		c.copyBufferSize = size
	}
	return c
}

func (c *Configuration) RetryBufferSize(size int) *Configuration {
	if size > 0 {
		c.retryBufferSize = size
	}
	return c
}

// Server accepts player connections on loopback and streams video
// through the file cache.
type Server struct {
	*Configuration
	listener net.Listener
	running  *atomic.Bool
	wg       sync.WaitGroup
	origin   *OriginClient
	entropy  *ulid.MonotonicEntropy
	emu      sync.Mutex
}

func NewServer(cfg *Configuration) *Server {
	return &Server{
		Configuration: cfg,
		running:       atomic.NewBool(false),
		origin:        NewOriginClient(cfg.insecureSkipVerify),
		entropy:       ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Start binds to 127.0.0.1 on the configured port, falling back to an
// ephemeral port when it is taken, and launches the accept loop.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%v", s.port))
	if err != nil {
		logger.Warnw("default port unavailable, falling back to ephemeral", "port", s.port, "err", err)
		l, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
	}
	s.listener = l
	s.port = l.Addr().(*net.TCPAddr).Port
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	logger.Infow("proxy listening", "addr", l.Addr().String())
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				logger.Errorw("error accepting connection", "err", err)
				continue
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	h := &requestHandler{
		server: s,
		conn:   conn,
		ref:    s.newRef(),
	}
	h.serve()
}

func (s *Server) newRef() string {
	s.emu.Lock()
	defer s.emu.Unlock()
	return ulid.MustNew(ulid.Now(), s.entropy).String()
}

// Port returns the port actually bound, valid after Start.
func (s *Server) Port() int {
	return s.port
}

// Shutdown stops accepting and waits for in-flight connections.
func (s *Server) Shutdown() {
	if !s.running.CAS(true, false) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	logger.Info("proxy stopped")
}

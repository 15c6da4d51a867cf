package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/OdyseeTeam/streamproxy/internal/metrics"
	"github.com/OdyseeTeam/streamproxy/manager"
	"github.com/OdyseeTeam/streamproxy/pkg/dispatcher"
	"github.com/OdyseeTeam/streamproxy/pkg/timer"

	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Server exposes diagnostics over plain HTTP: prometheus metrics and
// cache status. It is not part of the video data path.
type Server struct {
	addr       string
	manager    *manager.Manager
	httpServer *fasthttp.Server
}

func NewServer(addr string, m *manager.Manager) *Server {
	s := &Server{
		addr:    addr,
		manager: m,
	}

	r := router.New()
	r.GET("/api/v1/status", s.handleStatus)
	r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	r.PanicHandler = handlePanic

	dispatcher.RegisterMetrics()

	s.httpServer = &fasthttp.Server{
		Handler: metricsMiddleware(corsMiddleware(r.Handler)),
	}
	return s
}

func (s *Server) handleStatus(ctx *fasthttp.RequestCtx) {
	body, err := json.Marshal(s.manager.Status())
	if err != nil {
		ctx.SetStatusCode(http.StatusInternalServerError)
		fmt.Fprint(ctx, err.Error())
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Start() error {
	logger.Infow("diagnostics listening", "bind", s.addr)
	return s.httpServer.ListenAndServe(s.addr)
}

func (s *Server) Shutdown() error {
	logger.Info("shutting down diagnostics...")
	return s.httpServer.Shutdown()
}

func handlePanic(ctx *fasthttp.RequestCtx, p interface{}) {
	ctx.SetStatusCode(http.StatusInternalServerError)
	logger.Errorw("panicked", "url", ctx.Request.URI(), "panic", p)
}

func corsMiddleware(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
		h(ctx)
	}
}

func metricsMiddleware(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		t := timer.Start()
		h(ctx)
		metrics.DiagHTTPRequests.WithLabelValues(fmt.Sprintf("%v", ctx.Response.StatusCode())).Observe(t.Duration())
	}
}

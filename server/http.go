package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/metrics"
	"github.com/saiset-co/sai-rpccache/types"
	"github.com/saiset-co/sai-rpccache/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// FastHTTPServer serves a fixed table of exact-path routes.
type FastHTTPServer struct {
	config          *types.HTTPConfig
	logger          types.Logger
	metrics         types.MetricsManager
	server          *fasthttp.Server
	listener        net.Listener
	routes          map[string]fasthttp.RequestHandler
	routesMu        sync.RWMutex
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewHTTPServer(config *types.HTTPConfig, log types.Logger, metricsManager types.MetricsManager) *FastHTTPServer {
	httpConfig := &types.HTTPConfig{Host: "localhost", Port: 8080}
	if config != nil {
		if config.Host != "" {
			httpConfig.Host = config.Host
		}
		if config.Port != 0 {
			httpConfig.Port = config.Port
		}
		httpConfig.Compression = config.Compression
	}

	server := &FastHTTPServer{
		config:          httpConfig,
		logger:          logger.OrNop(log).With(zap.String("component", "http")),
		metrics:         metrics.OrNop(metricsManager),
		routes:          make(map[string]fasthttp.RequestHandler),
		shutdownTimeout: 5 * time.Second,
	}

	server.state.Store(StateStopped)

	return server
}

func (h *FastHTTPServer) Handle(method, path string, handler fasthttp.RequestHandler) {
	h.routesMu.Lock()
	defer h.routesMu.Unlock()

	h.routes[routeKey(method, path)] = handler
}

// Metrics exposes the Prometheus handler of the metrics manager on path.
func (h *FastHTTPServer) Metrics(path string) {
	h.Handle(fasthttp.MethodGet, path, fasthttpadaptor.NewFastHTTPHandler(h.metrics.Handler()))
}

func (h *FastHTTPServer) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)
}

func (h *FastHTTPServer) Start() error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	h.server = &fasthttp.Server{
		Handler:         h.handler(),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		CloseOnShutdown: true,
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", h.config.Host, h.config.Port))
	if err != nil {
		h.state.Store(StateStopped)
		return types.WrapError(err, "HTTP listener failed")
	}
	h.listener = listener

	go func() {
		if err := h.server.Serve(listener); err != nil {
			h.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	h.state.Store(StateRunning)
	h.logger.Info("HTTP server started", zap.String("address", listener.Addr().String()))

	return nil
}

func (h *FastHTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer h.state.Store(StateStopped)

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	if err := h.server.ShutdownWithContext(ctx); err != nil {
		h.logger.Warn("HTTP server stop timeout", zap.Error(err))
		return err
	}

	h.logger.Info("HTTP server stopped gracefully")

	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return h.state.Load().(State) == StateRunning
}

func (h *FastHTTPServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}

// handler negotiates brotli or gzip when compression is enabled. Bodies too
// small to gain from it are sent as is.
func (h *FastHTTPServer) handler() fasthttp.RequestHandler {
	if !h.config.Compression {
		return h.mainHandler
	}
	return fasthttp.CompressHandlerBrotliLevel(h.mainHandler,
		fasthttp.CompressBrotliDefaultCompression,
		fasthttp.CompressDefaultCompression)
}

func (h *FastHTTPServer) mainHandler(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())

	h.routesMu.RLock()
	handler, exists := h.routes[routeKey(string(ctx.Method()), path)]
	h.routesMu.RUnlock()

	if exists {
		h.serve(ctx, handler)
	} else {
		path = "unmatched"
		utils.CreateErrorResponse(ctx, fasthttp.StatusNotFound, "route not found")
	}

	h.metrics.Counter("http_requests_total", map[string]string{
		"method": string(ctx.Method()),
		"path":   path,
		"status": strconv.Itoa(ctx.Response.StatusCode()),
	}).Inc()
	h.metrics.Histogram("http_request_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		map[string]string{"path": path},
	).Observe(time.Since(start).Seconds())
}

func (h *FastHTTPServer) serve(ctx *fasthttp.RequestCtx, handler fasthttp.RequestHandler) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("HTTP handler panicked",
				zap.ByteString("path", ctx.Path()),
				zap.Any("panic", r))
			utils.CreateErrorResponse(ctx, fasthttp.StatusInternalServerError, "internal error")
		}
	}()

	handler(ctx)
}

func routeKey(method, path string) string {
	return method + " " + path
}

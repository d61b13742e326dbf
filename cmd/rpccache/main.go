package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-rpccache/cache"
	"github.com/saiset-co/sai-rpccache/health"
	"github.com/saiset-co/sai-rpccache/server"
	"github.com/saiset-co/sai-rpccache/service"
	"github.com/saiset-co/sai-rpccache/types"
	"github.com/saiset-co/sai-rpccache/utils"
)

const priceTTL = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yml", "path to the service config")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "rpccache: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	svc, err := service.NewService(ctx, configPath)
	if err != nil {
		return err
	}

	if err := svc.Start(); err != nil {
		return err
	}

	log := svc.Logger()
	prices := svc.NewCachedBatched("prices")

	node, closeNode, err := newSource(svc)
	if err != nil {
		_ = svc.Stop()
		return err
	}
	defer closeNode()

	symbols, err := node.Symbols(ctx)
	if err != nil {
		log.Warn("Failed to list symbols, background refresh disabled", zap.Error(err))
	}

	for _, symbol := range symbols {
		symbol := symbol
		_, err := svc.Sync().RegisterTask(types.SyncTask{
			ID:       "price-refresh:" + symbol,
			Interval: priceTTL / 2,
			CacheKey: cache.GenerateKey("price", symbol),
			CacheTTL: priceTTL,
			Operation: func() (interface{}, error) {
				return node.Price(ctx, symbol)
			},
		})
		if err != nil {
			log.Warn("Failed to register price refresh", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	httpServer := server.NewHTTPServer(svc.Config().HTTP, log, svc.Metrics())
	httpServer.Handle(fasthttp.MethodGet, "/price", getPrice(ctx, prices, node))
	httpServer.Handle(fasthttp.MethodPost, "/price", setPrice(ctx, prices, node))
	httpServer.Handle(fasthttp.MethodGet, "/health", getHealth(ctx, svc.Health()))
	httpServer.Handle(fasthttp.MethodGet, "/sync", getSyncStatus(svc))
	httpServer.Handle(fasthttp.MethodGet, "/version", getVersion)
	httpServer.Metrics("/metrics")

	if err := httpServer.Start(); err != nil {
		_ = svc.Stop()
		return err
	}

	<-ctx.Done()
	log.Info("Shutdown signal received")

	if err := httpServer.Stop(); err != nil {
		log.Warn("HTTP server did not stop cleanly", zap.Error(err))
	}

	return svc.Stop()
}

// newSource reads from the configured upstream node, or from an in-process
// simulation when no upstream URL is set.
func newSource(svc *service.Service) (priceSource, func(), error) {
	upstream := svc.Config().Upstream
	if upstream == nil || upstream.URL == "" {
		svc.Logger().Info("No upstream configured, serving simulated prices")
		return newPriceNode(50*time.Millisecond, 0.2), func() {}, nil
	}

	remote, err := newRemoteNode(upstream, svc.Logger(), svc.Metrics())
	if err != nil {
		return nil, nil, err
	}

	svc.Health().RegisterChecker("upstream", remote.healthCheck)
	svc.Logger().Info("Serving prices from upstream", zap.String("url", upstream.URL))

	return remote, remote.Close, nil
}

// Handlers take the process context: a *fasthttp.RequestCtx is recycled once
// the handler returns, and reads may outlive it.
func getPrice(base context.Context, prices *service.CachedBatchedService, node priceSource) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		symbol := strings.ToUpper(string(ctx.QueryArgs().Peek("symbol")))
		if symbol == "" {
			utils.CreateErrorResponse(ctx, fasthttp.StatusBadRequest, "symbol is required")
			return
		}

		price, err := service.Read(base, prices, cache.GenerateKey("price", symbol), priceTTL, func() (float64, error) {
			return node.Price(base, symbol)
		})
		if err != nil {
			utils.CreateErrorResponse(ctx, statusFor(err), err.Error())
			return
		}

		utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
			"symbol": symbol,
			"price":  price,
		})
	}
}

func setPrice(base context.Context, prices *service.CachedBatchedService, node priceSource) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		symbol := strings.ToUpper(string(ctx.QueryArgs().Peek("symbol")))
		value, err := strconv.ParseFloat(string(ctx.QueryArgs().Peek("value")), 64)
		if symbol == "" || err != nil {
			utils.CreateErrorResponse(ctx, fasthttp.StatusBadRequest, "symbol and numeric value are required")
			return
		}

		price, err := service.Write(base, prices, func() (float64, error) {
			return node.SetPrice(base, symbol, value)
		}, service.EntityPattern("price", symbol))
		if err != nil {
			utils.CreateErrorResponse(ctx, statusFor(err), err.Error())
			return
		}

		utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
			"symbol": symbol,
			"price":  price,
		})
	}
}

func getHealth(base context.Context, manager *health.Manager) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		report := manager.Check(base)

		status := fasthttp.StatusOK
		if report.Status == types.StatusUnhealthy {
			status = fasthttp.StatusServiceUnavailable
		}

		utils.WriteJSON(ctx, status, report)
	}
}

func getSyncStatus(svc *service.Service) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		statuses := svc.Sync().GetAllTaskStatus()

		body := make([]map[string]interface{}, 0, len(statuses))
		for _, status := range statuses {
			body = append(body, map[string]interface{}{
				"id":            status.ID,
				"is_running":    status.IsRunning,
				"last_run":      status.LastRun,
				"last_error":    status.LastErrorMessage(),
				"success_count": status.SuccessCount,
				"error_count":   status.ErrorCount,
			})
		}

		utils.WriteJSON(ctx, fasthttp.StatusOK, body)
	}
}

func getVersion(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, health.GetBuildInfo())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnknownSymbol):
		return fasthttp.StatusNotFound
	case types.IsCircuitOpen(err):
		return fasthttp.StatusServiceUnavailable
	case types.IsTimeout(err):
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusBadGateway
	}
}

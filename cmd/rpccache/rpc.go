package main

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/saiset-co/sai-rpccache/client"
	"github.com/saiset-co/sai-rpccache/types"
)

// codeUnknownSymbol is what the oracle node answers for a symbol it does not quote.
const codeUnknownSymbol = -32001

var (
	errUnknownSymbol = errors.New("unknown symbol")
	errUpstream      = errors.New("upstream node unavailable")
)

type priceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
	SetPrice(ctx context.Context, symbol string, price float64) (float64, error)
	Symbols(ctx context.Context) ([]string, error)
}

// priceNode stands in for a remote price oracle: slow, and failing a share of calls.
type priceNode struct {
	mu          sync.RWMutex
	prices      map[string]float64
	latency     time.Duration
	failureRate float64
	rnd         *rand.Rand
	rndMu       sync.Mutex
}

func newPriceNode(latency time.Duration, failureRate float64) *priceNode {
	return &priceNode{
		prices: map[string]float64{
			"LUKAS": 0.0976,
			"ETH":   3120.55,
			"BTC":   67012.4,
		},
		latency:     latency,
		failureRate: failureRate,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (n *priceNode) Price(ctx context.Context, symbol string) (float64, error) {
	if err := n.wait(ctx); err != nil {
		return 0, err
	}

	if n.fail() {
		return 0, errUpstream
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	price, ok := n.prices[strings.ToUpper(symbol)]
	if !ok {
		return 0, errUnknownSymbol
	}
	return price, nil
}

func (n *priceNode) SetPrice(ctx context.Context, symbol string, price float64) (float64, error) {
	if err := n.wait(ctx); err != nil {
		return 0, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.prices[strings.ToUpper(symbol)] = price
	return price, nil
}

func (n *priceNode) Symbols(context.Context) ([]string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	symbols := make([]string, 0, len(n.prices))
	for symbol := range n.prices {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	return symbols, nil
}

func (n *priceNode) wait(ctx context.Context) error {
	timer := time.NewTimer(n.latency)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *priceNode) fail() bool {
	n.rndMu.Lock()
	defer n.rndMu.Unlock()
	return n.rnd.Float64() < n.failureRate
}

// remoteNode reads quotes from an oracle node speaking JSON-RPC.
type remoteNode struct {
	rpc *client.RPCClient
}

func newRemoteNode(config *types.UpstreamConfig, log types.Logger, metrics types.MetricsManager) (*remoteNode, error) {
	rpc, err := client.NewRPCClient(config, log, metrics)
	if err != nil {
		return nil, err
	}
	return &remoteNode{rpc: rpc}, nil
}

func (n *remoteNode) Price(ctx context.Context, symbol string) (float64, error) {
	price, err := client.Call[float64](ctx, n.rpc, "oracle_getPrice", strings.ToUpper(symbol))
	return price, n.translate(err)
}

func (n *remoteNode) SetPrice(ctx context.Context, symbol string, price float64) (float64, error) {
	price, err := client.Call[float64](ctx, n.rpc, "oracle_setPrice", strings.ToUpper(symbol), price)
	return price, n.translate(err)
}

func (n *remoteNode) Symbols(ctx context.Context) ([]string, error) {
	symbols, err := client.Call[[]string](ctx, n.rpc, "oracle_symbols")
	if err != nil {
		return nil, n.translate(err)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (n *remoteNode) Close() {
	n.rpc.Close()
}

func (n *remoteNode) healthCheck(context.Context) types.HealthCheck {
	if !n.rpc.IsRunning() {
		return types.HealthCheck{Status: types.StatusUnhealthy, Message: "upstream client is closed"}
	}
	return types.HealthCheck{Status: types.StatusHealthy}
}

func (n *remoteNode) translate(err error) error {
	var rpcErr *client.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == codeUnknownSymbol {
		return errUnknownSymbol
	}
	return err
}

// Package client talks JSON-RPC 2.0 to an upstream node over fasthttp.
//
// The client does one HTTP round trip per call. Retries, deduplication and the
// circuit breaker live in the read path that wraps it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/metrics"
	"github.com/saiset-co/sai-rpccache/types"
	"github.com/saiset-co/sai-rpccache/utils"
)

const (
	DefaultTimeout         = 10 * time.Second
	DefaultMaxConnsPerHost = 64
)

type State int32

const (
	StateRunning State = iota
	StateStopped
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is an error object returned by the node itself.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type RPCClient struct {
	logger  types.Logger
	metrics types.MetricsManager
	client  *fasthttp.Client
	url     string
	timeout time.Duration
	nextID  atomic.Uint64
	state   atomic.Value
}

func NewRPCClient(config *types.UpstreamConfig, log types.Logger, metricsManager types.MetricsManager) (*RPCClient, error) {
	if config == nil || config.URL == "" {
		return nil, types.ErrUpstreamURLEmpty
	}

	timeout := DefaultTimeout
	if config.Timeout > 0 {
		timeout = config.Timeout
	}

	maxConns := DefaultMaxConnsPerHost
	if config.MaxConnsPerHost > 0 {
		maxConns = config.MaxConnsPerHost
	}

	c := &RPCClient{
		logger:  logger.OrNop(log).With(zap.String("component", "upstream")),
		metrics: metrics.OrNop(metricsManager),
		client: &fasthttp.Client{
			ReadTimeout:     timeout,
			WriteTimeout:    timeout,
			MaxConnsPerHost: maxConns,
		},
		url:     config.URL,
		timeout: timeout,
	}

	c.state.Store(StateRunning)

	return c, nil
}

// Call is the typed form of RPCClient.Call.
func Call[T any](ctx context.Context, c *RPCClient, method string, params ...interface{}) (T, error) {
	var result T

	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return result, err
	}

	if len(raw) == 0 || string(raw) == "null" {
		return result, nil
	}

	if err := utils.Unmarshal(raw, &result); err != nil {
		return result, types.WrapError(err, fmt.Sprintf("failed to decode %s result", method))
	}

	return result, nil
}

// Call sends one request and returns the raw result. The deadline is the
// earlier of ctx's and the client timeout.
func (c *RPCClient) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if !c.IsRunning() {
		return nil, types.ErrUpstreamClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if params == nil {
		params = []interface{}{}
	}

	body, err := utils.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, types.WrapError(err, "failed to marshal rpc request")
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	start := time.Now()
	result, err := c.do(req, resp, deadline)
	c.record(method, err, time.Since(start))

	if err != nil {
		c.logger.Debug("Upstream call failed",
			zap.String("method", method),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	return result, nil
}

func (c *RPCClient) Close() {
	if !c.state.CompareAndSwap(StateRunning, StateStopped) {
		return
	}

	c.client.CloseIdleConnections()
	c.logger.Debug("Upstream client closed", zap.String("url", c.url))
}

func (c *RPCClient) IsRunning() bool {
	return c.state.Load().(State) == StateRunning
}

func (c *RPCClient) do(req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) (json.RawMessage, error) {
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return nil, types.NewTimeoutError(fmt.Sprintf("upstream %s timed out", c.url), c.timeout)
		}
		return nil, types.WrapError(err, "upstream request failed")
	}

	if status := resp.StatusCode(); status < 200 || status >= 300 {
		return nil, types.Errorf(types.ErrUpstreamStatus, "%d", status)
	}

	// resp goes back to the pool on return and decoded strings may alias its body.
	body := append([]byte(nil), resp.Body()...)

	var decoded rpcResponse
	if err := utils.Unmarshal(body, &decoded); err != nil {
		return nil, types.WrapError(err, "failed to decode rpc response")
	}

	if decoded.Error != nil {
		return nil, decoded.Error
	}

	return decoded.Result, nil
}

func (c *RPCClient) record(method string, err error, duration time.Duration) {
	result := "success"
	switch {
	case err == nil:
	case types.IsTimeout(err):
		result = "timeout"
	default:
		result = "error"
	}

	c.metrics.Counter("upstream_requests_total", map[string]string{
		"method": method,
		"result": result,
	}).Inc()
	c.metrics.Histogram("upstream_request_duration_seconds",
		[]float64{0.005, 0.05, 0.25, 1, 5},
		map[string]string{"method": method},
	).Observe(duration.Seconds())
}

package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/metrics"
	"github.com/saiset-co/sai-rpccache/types"
	"github.com/saiset-co/sai-rpccache/utils"
)

type testRequest struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// startNode serves a tiny price oracle over an in-memory listener.
func startNode(t *testing.T, config *types.UpstreamConfig, m types.MetricsManager) *RPCClient {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	server := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			var req testRequest
			if err := utils.Unmarshal(ctx.PostBody(), &req); err != nil {
				ctx.SetStatusCode(fasthttp.StatusBadRequest)
				return
			}

			response := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}

			switch req.Method {
			case "oracle_getPrice":
				if len(req.Params) == 1 && req.Params[0] == "LUKAS" {
					response["result"] = 0.0976
				} else {
					response["error"] = map[string]interface{}{"code": -32000, "message": "unknown symbol"}
				}
			case "oracle_symbols":
				response["result"] = []string{"BTC", "ETH", "LUKAS"}
			case "oracle_slow":
				time.Sleep(200 * time.Millisecond)
				response["result"] = true
			case "oracle_down":
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				return
			default:
				response["result"] = nil
			}

			utils.WriteJSON(ctx, fasthttp.StatusOK, response)
		},
	}

	go func() {
		_ = server.Serve(ln)
	}()

	if config == nil {
		config = &types.UpstreamConfig{URL: "http://node.local/rpc", Timeout: time.Second}
	}

	c, err := NewRPCClient(config, logger.NewNop(), m)
	require.NoError(t, err)
	c.client.Dial = func(string) (net.Conn, error) {
		return ln.Dial()
	}

	t.Cleanup(func() {
		c.Close()
		_ = server.Shutdown()
		_ = ln.Close()
	})

	return c
}

func TestRPCClient_Call(t *testing.T) {
	m, err := metrics.NewPrometheusMetrics(logger.NewNop(), &types.MetricsConfig{Enabled: true, Namespace: "test"})
	require.NoError(t, err)

	c := startNode(t, nil, m)
	ctx := context.Background()

	t.Run("TypedResult", func(t *testing.T) {
		price, err := Call[float64](ctx, c, "oracle_getPrice", "LUKAS")
		require.NoError(t, err)
		assert.Equal(t, 0.0976, price)

		symbols, err := Call[[]string](ctx, c, "oracle_symbols")
		require.NoError(t, err)
		assert.Equal(t, []string{"BTC", "ETH", "LUKAS"}, symbols)
	})

	t.Run("NullResult", func(t *testing.T) {
		value, err := Call[*float64](ctx, c, "oracle_unknown")
		require.NoError(t, err)
		assert.Nil(t, value)
	})

	t.Run("NodeError", func(t *testing.T) {
		_, err := Call[float64](ctx, c, "oracle_getPrice", "DOGE")

		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, -32000, rpcErr.Code)
		assert.Equal(t, "unknown symbol", rpcErr.Message)
		assert.EqualError(t, err, "rpc error -32000: unknown symbol")
	})

	t.Run("BadStatus", func(t *testing.T) {
		_, err := c.Call(ctx, "oracle_down")
		assert.ErrorIs(t, err, types.ErrUpstreamStatus)
	})

	t.Run("DecodeMismatch", func(t *testing.T) {
		_, err := Call[float64](ctx, c, "oracle_symbols")
		assert.Error(t, err)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := c.Call(cancelled, "oracle_symbols")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Metrics", func(t *testing.T) {
		assert.Equal(t, float64(1), m.Counter("upstream_requests_total", map[string]string{
			"method": "oracle_getPrice",
			"result": "success",
		}).Get())
		assert.Equal(t, float64(1), m.Counter("upstream_requests_total", map[string]string{
			"method": "oracle_getPrice",
			"result": "error",
		}).Get())
	})
}

func TestRPCClient_Timeout(t *testing.T) {
	c := startNode(t, &types.UpstreamConfig{URL: "http://node.local/rpc", Timeout: 50 * time.Millisecond}, nil)

	_, err := c.Call(context.Background(), "oracle_slow")
	assert.True(t, types.IsTimeout(err))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c.timeout = time.Second
	start := time.Now()
	_, err = c.Call(ctx, "oracle_slow")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestRPCClient_Lifecycle(t *testing.T) {
	_, err := NewRPCClient(nil, nil, nil)
	assert.ErrorIs(t, err, types.ErrUpstreamURLEmpty)

	_, err = NewRPCClient(&types.UpstreamConfig{}, nil, nil)
	assert.ErrorIs(t, err, types.ErrUpstreamURLEmpty)

	c, err := NewRPCClient(&types.UpstreamConfig{URL: "http://node.local/rpc"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, c.timeout)
	assert.True(t, c.IsRunning())

	c.Close()
	c.Close()
	assert.False(t, c.IsRunning())

	_, err = c.Call(context.Background(), "oracle_symbols")
	assert.ErrorIs(t, err, types.ErrUpstreamClosed)
}

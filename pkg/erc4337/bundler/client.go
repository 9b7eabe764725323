// Provide primitive to work with a pool of bundler RPC endpoints.
// Bundler RPC is stateless, so any endpoint can serve any call.
package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-userops/metrics"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
)

const DefaultRequestTimeout = 30 * time.Second

// BundlerClient is a failover JSON-RPC client over an ordered list of bundler endpoints.
//
// Each logical call starts at the current cursor and tries endpoints one at a time. A
// failure moves the cursor to the next endpoint, and the cursor is kept across calls, so a
// failing endpoint stops being the first choice without separate health tracking.
type BundlerClient struct {
	endpoints []Endpoint
	http      *resty.Client
	logger    logger.Logger
	metrics   metrics.RelayMetrics

	resetCursor bool

	mu     sync.Mutex
	cursor int
}

type Option func(*BundlerClient)

func WithLogger(l logger.Logger) Option {
	return func(c *BundlerClient) { c.logger = logger.EnsureLogger(l) }
}

func WithMetrics(m metrics.RelayMetrics) Option {
	return func(c *BundlerClient) { c.metrics = metrics.EnsureMetrics(m) }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *BundlerClient) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

// WithResetCursor makes every logical call start from the first endpoint again.
func WithResetCursor(reset bool) Option {
	return func(c *BundlerClient) { c.resetCursor = reset }
}

// NewBundlerClient builds the pool. An empty endpoint list is a configuration error.
func NewBundlerClient(endpoints []Endpoint, opts ...Option) (*BundlerClient, error) {
	usable := lo.Filter(endpoints, func(e Endpoint, _ int) bool { return e.URL != "" })
	if len(usable) == 0 {
		return nil, ErrNoEndpoints
	}
	for i := range usable {
		if usable[i].Name == "" {
			usable[i].Name = DetectName(usable[i].URL, i)
		}
	}

	c := &BundlerClient{
		endpoints: usable,
		http: resty.New().
			SetTimeout(DefaultRequestTimeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		logger:  logger.NewNoOpLogger(),
		metrics: metrics.NewNoopRelayMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoints returns a copy of the pool in priority order.
func (c *BundlerClient) Endpoints() []Endpoint {
	return append([]Endpoint(nil), c.endpoints...)
}

// Current returns the endpoint the next call will start with.
func (c *BundlerClient) Current() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.cursor]
}

func (c *BundlerClient) start() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resetCursor {
		c.cursor = 0
	}
	return c.cursor
}

// advance moves the cursor past failed, unless a concurrent call already moved it.
func (c *BundlerClient) advance(failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursor == failed {
		c.cursor = (failed + 1) % len(c.endpoints)
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Call runs method against the pool and decodes the result into out (which may be nil).
func (c *BundlerClient) Call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	_, err := c.call(ctx, out, false, method, params...)
	return err
}

// call returns found=false when the result was JSON null, or when nullOnNotFound is set and
// the relay answered with a "not found" error.
func (c *BundlerClient) call(ctx context.Context, out interface{}, nullOnNotFound bool, method string, params ...interface{}) (bool, error) {
	if params == nil {
		params = []interface{}{}
	}

	n := len(c.endpoints)
	first := c.start()
	failures := make([]*EndpointError, 0, n)

	for i := 0; i < n; i++ {
		idx := (first + i) % n
		ep := c.endpoints[idx]

		raw, err := c.do(ctx, ep, method, params)
		if err == nil {
			c.metrics.IncEndpointAttempt(ep.Name, method, "ok")
			if len(raw) == 0 || string(raw) == "null" {
				return false, nil
			}
			if out != nil {
				if err := json.Unmarshal(raw, out); err != nil {
					return false, fmt.Errorf("failed to decode %s result from %s: %w", method, ep.Name, err)
				}
			}
			return true, nil
		}

		if nullOnNotFound && isNotFound(err) {
			c.metrics.IncEndpointAttempt(ep.Name, method, "ok")
			return false, nil
		}

		epErr := &EndpointError{Endpoint: ep.Name, Method: method, Kind: classify(err), Err: err}
		failures = append(failures, epErr)
		c.metrics.IncEndpointAttempt(ep.Name, method, string(epErr.Kind))

		c.advance(idx)
		c.metrics.IncFailover(ep.Name)

		c.logger.Warn("bundler endpoint failed",
			"endpoint", ep.Name,
			"method", method,
			"attempt", i+1,
			"of", n,
			"kind", epErr.Kind,
			"error", err)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, fmt.Errorf("%s aborted after %d attempts: %w", method, i+1, ctxErr)
		}
	}

	c.metrics.IncPoolExhausted(method)
	return false, &AllEndpointsFailedError{Method: method, Attempts: failures}
}

// do performs one HTTP JSON-RPC round trip against one endpoint.
func (c *BundlerClient) do(ctx context.Context, ep Endpoint, method string, params []interface{}) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      ulid.Make().String(),
		Method:  method,
		Params:  params,
	}

	c.logger.Debug("bundler request", "endpoint", ep.Name, "method", method, "id", req.ID)

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post(ep.URL)
	if err != nil {
		// url.Error repeats the URL, which may carry an API key.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}

	body := resp.Body()
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode(),
			Status:     http.StatusText(resp.StatusCode()),
			Body:       string(body),
		}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w (body: %s)", err, safePreview(string(body), 120))
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// SendUserOperation submits a signed operation and returns the userOpHash.
func (c *BundlerClient) SendUserOperation(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (common.Hash, error) {
	var hash string
	if err := c.Call(ctx, &hash, "eth_sendUserOperation", NewUserOperation(op), entrypoint.Hex()); err != nil {
		return common.Hash{}, err
	}
	if len(common.FromHex(hash)) != common.HashLength {
		return common.Hash{}, fmt.Errorf("eth_sendUserOperation returned malformed hash %q", safePreview(hash, 80))
	}
	return common.HexToHash(hash), nil
}

// SupportedEntryPoints asks the pool which EntryPoints it accepts.
func (c *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var raw []string
	if err := c.Call(ctx, &raw, "eth_supportedEntryPoints"); err != nil {
		return nil, err
	}
	return lo.Map(raw, func(s string, _ int) common.Address { return common.HexToAddress(s) }), nil
}

// ChainID returns the chain id reported by the pool.
func (c *BundlerClient) ChainID(ctx context.Context) (*big.Int, error) {
	var raw hexutil.Big
	if err := c.Call(ctx, &raw, "eth_chainId"); err != nil {
		return nil, err
	}
	return raw.ToInt(), nil
}

// EndpointStatus is the result of probing one endpoint.
type EndpointStatus struct {
	Endpoint    Endpoint
	EntryPoints []common.Address
	Latency     time.Duration
	Err         error
}

// Probe queries eth_supportedEntryPoints on every endpoint directly, without rotation, and
// leaves the cursor untouched.
func (c *BundlerClient) Probe(ctx context.Context) []EndpointStatus {
	statuses := make([]EndpointStatus, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		started := time.Now()
		raw, err := c.do(ctx, ep, "eth_supportedEntryPoints", []interface{}{})
		status := EndpointStatus{Endpoint: ep, Latency: time.Since(started), Err: err}
		if err == nil {
			var addrs []string
			if err := json.Unmarshal(raw, &addrs); err != nil {
				status.Err = err
			} else {
				status.EntryPoints = lo.Map(addrs, func(s string, _ int) common.Address { return common.HexToAddress(s) })
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// IsAllEndpointsFailed is a small helper for callers that only need the boolean.
func IsAllEndpointsFailed(err error) bool {
	return errors.Is(err, ErrAllEndpointsFailed)
}

package mesh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/primoscope/Spotify-echo-sub018/config"
	"github.com/primoscope/Spotify-echo-sub018/domain"
	"github.com/primoscope/Spotify-echo-sub018/metrics"
)

// CallOptions carry the request payload and caller identity for a mesh
// call.
type CallOptions struct {
	Data          []byte
	Headers       map[string]string
	SourceService string
	// Timeout overrides the configured per-call timeout when positive.
	Timeout time.Duration
}

// Response is the outcome of a completed HTTP exchange. Status may be
// any code; non-2xx responses are returned to the caller and counted as
// breaker failures.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"-"`
	Body   []byte      `json:"body,omitempty"`
}

// OK reports whether the response status is 2xx.
func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Client performs resilient inter-service calls: registry resolution,
// circuit breaking, bounded timeouts and topology bookkeeping.
type Client struct {
	cfg      config.MeshConfig
	registry *Registry
	http     *http.Client
	logger   *log.Logger
}

// NewClient creates a mesh client over the given registry.
func NewClient(cfg config.MeshConfig, registry *Registry, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		registry: registry,
		http:     &http.Client{},
		logger:   logger,
	}
}

// Registry returns the registry this client resolves against.
func (c *Client) Registry() *Registry { return c.registry }

// Call resolves serviceName, checks its circuit and executes the HTTP
// call. Network errors, timeouts and non-2xx responses count as breaker
// failures; a call rejected while the circuit is open returns a
// CircuitOpenError without touching the network.
func (c *Client) Call(ctx context.Context, serviceName, method, path string, opts CallOptions) (Response, error) {
	if serviceName == "" {
		return Response{}, fmt.Errorf("%w: service name is required", domain.ErrInvalidInput)
	}
	if method == "" {
		method = http.MethodGet
	}

	endpoint, br, err := c.registry.endpoint(serviceName)
	if err != nil {
		return Response{}, err
	}
	c.registry.recordEdge(opts.SourceService, serviceName)

	if err := br.allow(); err != nil {
		metrics.MeshCalls.WithLabelValues(serviceName, "rejected").Inc()
		return Response{}, err
	}

	timeout := c.cfg.CallTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(endpoint, "/") + "/" + strings.TrimLeft(path, "/")
	var body io.Reader
	if len(opts.Data) > 0 {
		body = bytes.NewReader(opts.Data)
	}
	req, err := http.NewRequestWithContext(callCtx, method, url, body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: build request for %s: %v", domain.ErrInvalidInput, serviceName, err)
	}
	if len(opts.Data) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if opts.SourceService != "" {
		req.Header.Set("X-Source-Service", opts.SourceService)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		br.onFailure()
		metrics.MeshCalls.WithLabelValues(serviceName, "failure").Inc()
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			return Response{}, fmt.Errorf("call %s %s %s timed out after %s: %w", serviceName, method, path, timeout, err)
		}
		return Response{}, fmt.Errorf("call %s %s %s: %w", serviceName, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		br.onFailure()
		metrics.MeshCalls.WithLabelValues(serviceName, "failure").Inc()
		return Response{}, fmt.Errorf("read response from %s: %w", serviceName, err)
	}

	out := Response{Status: resp.StatusCode, Header: resp.Header, Body: data}
	if out.OK() {
		br.onSuccess()
		metrics.MeshCalls.WithLabelValues(serviceName, "success").Inc()
	} else {
		br.onFailure()
		metrics.MeshCalls.WithLabelValues(serviceName, "failure").Inc()
		c.logger.WithFields(log.Fields{
			"service": serviceName,
			"method":  method,
			"path":    path,
			"status":  out.Status,
		}).Debug("mesh call returned non-2xx")
	}
	return out, nil
}

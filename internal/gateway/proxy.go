package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/mbd888/escrowgate/internal/circuitbreaker"
	"github.com/mbd888/escrowgate/pkg/x402"
)

// forwardedHeaders are copied from the agent's request to the upstream.
var forwardedHeaders = []string{"Content-Type", "Accept", "Accept-Language", "User-Agent"}

// UpstreamRequest is the input to the forwarder.
type UpstreamRequest struct {
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	EscrowID uint64
}

// UpstreamResponse is the raw upstream result. Body holds the exact bytes
// received.
type UpstreamResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Latency     time.Duration
}

// UpstreamError is a failed upstream call. Status is zero for transport
// failures and open circuits.
type UpstreamError struct {
	Host   string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s: status %d", e.Host, e.Status)
	}
	return fmt.Sprintf("upstream %s: %v", e.Host, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Forwarder sends requests to provider APIs, one circuit per upstream host.
type Forwarder struct {
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewForwarder creates a new HTTP forwarder.
// Pass timeout=0 to use DefaultUpstreamTimeout.
func NewForwarder(timeout time.Duration, breaker *circuitbreaker.Breaker) *Forwarder {
	if timeout == 0 {
		timeout = DefaultUpstreamTimeout
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Forwarder{
		client: &http.Client{
			Timeout: timeout,
			// Redirects are returned to the caller as-is.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		breaker: breaker,
	}
}

// GuardDials installs control as the Control hook of every upstream dial,
// so a listing whose host later resolves somewhere forbidden is refused at
// connect time.
func (f *Forwarder) GuardDials(control func(network, address string, c syscall.RawConn) error) *Forwarder {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second, Control: control}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	f.client.Transport = transport
	return f
}

// Forward sends req and returns the raw response. Responses with a 5xx
// status are returned together with an *UpstreamError; other statuses are
// the caller's to judge.
func (f *Forwarder) Forward(ctx context.Context, req UpstreamRequest) (*UpstreamResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, &UpstreamError{Host: req.URL, Err: fmt.Errorf("invalid upstream url: %v", err)}
	}
	host := u.Host

	var resp *UpstreamResponse
	err = f.breaker.Execute(host, func() error {
		var callErr error
		resp, callErr = f.do(ctx, host, req)
		return callErr
	}, countsAgainstUpstream)

	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, &UpstreamError{Host: host, Err: err}
	}
	return resp, err
}

func (f *Forwarder) do(ctx context.Context, host string, req UpstreamRequest) (*UpstreamResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &UpstreamError{Host: host, Err: fmt.Errorf("create request: %w", err)}
	}
	for _, h := range forwardedHeaders {
		if v := req.Header.Get(h); v != "" {
			httpReq.Header.Set(h, v)
		}
	}
	if req.EscrowID != 0 {
		httpReq.Header.Set(x402.HeaderEscrowID, fmt.Sprintf("%d", req.EscrowID))
	}

	start := time.Now()
	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		gwUpstreamLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, &UpstreamError{Host: host, Err: fmt.Errorf("http request failed: %w", err)}
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize+1))
	latency := time.Since(start)
	if err != nil {
		gwUpstreamLatency.WithLabelValues("error").Observe(latency.Seconds())
		return nil, &UpstreamError{Host: host, Err: fmt.Errorf("read response: %w", err)}
	}
	if len(body) > maxResponseSize {
		gwUpstreamLatency.WithLabelValues("error").Observe(latency.Seconds())
		return nil, &UpstreamError{Host: host, Err: ErrResponseTooLarge}
	}

	resp := &UpstreamResponse{
		StatusCode:  httpResp.StatusCode,
		ContentType: httpResp.Header.Get("Content-Type"),
		Body:        body,
		Latency:     latency,
	}
	if httpResp.StatusCode >= 500 {
		gwUpstreamLatency.WithLabelValues("status").Observe(latency.Seconds())
		return resp, &UpstreamError{Host: host, Status: httpResp.StatusCode}
	}
	gwUpstreamLatency.WithLabelValues("ok").Observe(latency.Seconds())
	return resp, nil
}

// countsAgainstUpstream trips the circuit on transport failures and 5xx,
// not on oversized bodies.
func countsAgainstUpstream(err error) bool {
	return err != nil && !errors.Is(err, ErrResponseTooLarge)
}

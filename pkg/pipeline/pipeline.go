// Package pipeline implements the per-request state machine:
// RECV_REQUEST -> PARSE -> CACHE_LOOKUP -> (cache hit -> WRITE_CLIENT |
// cache miss -> BORROW_UPSTREAM -> SEND_UPSTREAM -> RECV_UPSTREAM ->
// RELEASE_UPSTREAM -> WRITE_CLIENT -> CACHE_INSERT) -> DONE.
// RELEASE_UPSTREAM runs inside fetchUpstream, so the upstream socket is
// returned to the pool (or closed) before any bytes reach the client and
// before the cache insert.
//
// Grounded on handle_client_request/forward_request_to_server in
// original_source/src/components/proxy_server.c for the overall shape,
// and on the context-timeout/failover idiom in
// _examples/mick-25-streamnzb/pkg/usenet/nntp/proxy/commands.go for how
// a single request's error paths are structured in Go rather than C's
// goto-free early-return chain.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/text/cases"

	"httpcacheproxy/pkg/cache"
	"httpcacheproxy/pkg/connpool"
	"httpcacheproxy/pkg/httpmin"
	"httpcacheproxy/pkg/logger"
)

// StatusError represents a request-level failure that maps directly to
// an HTTP status line (spec.md §7 taxonomy), keeping the state machine's
// error paths exhaustive: every exit writes exactly one status line.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Reason)
}

func newStatus(code int, reason string) *StatusError {
	return &StatusError{Code: code, Reason: reason}
}

var (
	errRequestTooLarge = newStatus(400, "Bad Request")
	errMalformed       = newStatus(400, "Bad Request")
	errUnsupportedMeth = newStatus(501, "Not Implemented")
	errBadGateway      = newStatus(502, "Bad Gateway")
	errGatewayTimeout  = newStatus(504, "Gateway Timeout")
	errInternal        = newStatus(500, "Internal Server Error")
)

const userAgent = "httpcacheproxy/1.0"

var fold = cases.Fold()

// Metrics is the subset of counters the pipeline reports directly
// (cache and pool each report their own); kept separate so the pipeline
// never needs to know about Prometheus types.
type Metrics interface {
	RequestServed(status int)
}

type noopMetrics struct{}

func (noopMetrics) RequestServed(int) {}

// Config bounds the pipeline's I/O: max request/response sizes and
// upstream timeouts, mirrored from pkg/config.Config.
type Config struct {
	MaxRequestBytes     int
	MaxResponseBytes    int
	UpstreamRecvTimeout time.Duration
	DefaultTTL          time.Duration
}

// Pipeline ties the cache, connection pool and minimal parser together
// to service one client connection at a time.
type Pipeline struct {
	cfg     Config
	cache   *cache.Cache
	pool    *connpool.Pool
	metrics Metrics
}

// New builds a Pipeline over shared, process-wide cache and pool
// instances.
func New(cfg Config, c *cache.Cache, p *connpool.Pool, metrics Metrics) *Pipeline {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Pipeline{cfg: cfg, cache: c, pool: p, metrics: metrics}
}

// Handle services one accepted client connection end to end. It owns
// conn until it returns, closing it on every path.
func (p *Pipeline) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	status := 200
	if err := p.serve(ctx, conn); err != nil {
		if se, ok := err.(*StatusError); ok {
			status = se.Code
			writeStatus(conn, se)
		} else {
			status = 500
			logger.Error("pipeline: unexpected error", "err", err)
		}
	}
	p.metrics.RequestServed(status)
}

func (p *Pipeline) serve(ctx context.Context, conn net.Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline: recovered from panic", "panic", r)
			err = errInternal
		}
	}()

	// RECV_REQUEST + PARSE
	raw, err := recvRequest(conn, p.cfg.MaxRequestBytes)
	if err != nil {
		if err == errAbandoned {
			return nil // peer closed before terminator: abandon silently
		}
		return err
	}

	req, err := httpmin.Parse(raw)
	if err != nil {
		return errMalformed
	}
	if req.Method != "GET" {
		return errUnsupportedMeth
	}
	if req.Version != "HTTP/1.0" && req.Version != "HTTP/1.1" {
		return errMalformed
	}

	// CACHE_LOOKUP — key is "METHOD SP host:port path", the absolute URL
	// without its http:// scheme (spec.md §9 Open Question, documented
	// choice recorded in DESIGN.md), not the raw
	// request bytes, so repeat requests from different clients share a
	// cache entry.
	key := cacheKey(req)
	if payload, ok := p.cache.Get(key); ok {
		return writeClient(conn, payload)
	}

	// CACHE_MISS path
	payload, keepAlive, err := p.fetchUpstream(ctx, req)
	if err != nil {
		return err
	}

	if err := writeClient(conn, payload); err != nil {
		return err
	}

	// CACHE_INSERT: best-effort, never fails the request (spec.md §7).
	p.cache.Insert(key, payload, p.cfg.DefaultTTL)

	_ = keepAlive // already folded into RELEASE_UPSTREAM inside fetchUpstream
	return nil
}

func cacheKey(req *httpmin.Request) string {
	return fmt.Sprintf("%s %s:%d%s", req.Method, req.Host, req.Port, req.Path)
}

var errAbandoned = fmt.Errorf("pipeline: peer closed before request terminator")

// recvRequest reads from conn until "\r\n\r\n" appears or maxBytes is
// exceeded. Exceeding the cap without a terminator is a 400; the peer
// closing first is abandoned silently (spec.md §4.4 RECV_REQUEST).
func recvRequest(conn net.Conn, maxBytes int) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if httpmin.FindTerminator(buf) >= 0 {
				if len(buf) > maxBytes {
					return nil, errRequestTooLarge
				}
				return buf, nil
			}
			if len(buf) > maxBytes {
				return nil, errRequestTooLarge
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil, errAbandoned
			}
			return nil, errAbandoned
		}
	}
}

// fetchUpstream runs BORROW_UPSTREAM, SEND_UPSTREAM, RECV_UPSTREAM and
// RELEASE_UPSTREAM, returning the raw response bytes to forward to the
// client.
func (p *Pipeline) fetchUpstream(ctx context.Context, req *httpmin.Request) (payload []byte, keepAlive bool, err error) {
	conn, fromPool := p.pool.Borrow(req.Host, req.Port)
	if !fromPool {
		addr := net.JoinHostPort(req.Host, portString(req.Port))
		dialed, derr := net.DialTimeout("tcp", addr, p.cfg.UpstreamRecvTimeout)
		if derr != nil {
			return nil, false, errBadGateway
		}
		conn = dialed
		p.pool.Adopt(conn, req.Host, req.Port)
	}

	if err := sendUpstream(conn, req); err != nil {
		p.pool.Return(conn, req.Host, req.Port, false)
		return nil, false, errBadGateway
	}

	resp, timedOut, err := recvUpstream(conn, p.cfg.MaxResponseBytes, p.cfg.UpstreamRecvTimeout)
	if err != nil {
		p.pool.Return(conn, req.Host, req.Port, false)
		if timedOut {
			return nil, false, errGatewayTimeout
		}
		return nil, false, errBadGateway
	}
	if len(resp) == 0 {
		p.pool.Return(conn, req.Host, req.Port, false)
		return nil, false, errBadGateway
	}

	keepAlive = responseAllowsKeepAlive(resp)
	p.pool.Return(conn, req.Host, req.Port, keepAlive)

	return resp, keepAlive, nil
}

func portString(port int) string {
	return fmt.Sprintf("%d", port)
}

// sendUpstream writes the minimal rewritten request specified in
// spec.md §4.4 SEND_UPSTREAM.
func sendUpstream(conn net.Conn, req *httpmin.Request) error {
	msg := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: %s\r\nConnection: close\r\n\r\n",
		req.Path, req.Host, userAgent)
	_, err := io.WriteString(conn, msg)
	return err
}

// recvUpstream reads until peer close, the configured max size, or the
// per-call receive timeout elapses.
func recvUpstream(conn net.Conn, maxBytes int, timeout time.Duration) (buf []byte, timedOut bool, err error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	r := bufio.NewReader(conn)
	out := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, rerr := r.Read(chunk)
		if n > 0 {
			out = append(out, chunk[:n]...)
			if len(out) > maxBytes {
				out = out[:maxBytes]
				return out, false, nil
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return out, false, nil
			}
			if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				return out, true, rerr
			}
			return out, false, rerr
		}
	}
}

// responseAllowsKeepAlive inspects the real response's Connection
// header (SPEC_FULL.md §9 — fixing the original's contradiction between
// a hardcoded upstream "Connection: close" and a hardcoded pool
// keep_alive=1 on every return). httpguts.HeaderValuesContainsToken does
// proper token-list parsing; a literal scan is used only as a defensive
// fallback when no header block boundary is found.
func responseAllowsKeepAlive(resp []byte) bool {
	end := bytes.Index(resp, []byte("\r\n\r\n"))
	if end < 0 {
		return bytes.Contains(resp, []byte("Connection: keep-alive"))
	}
	head := resp[:end]
	lineEnd := bytes.Index(head, []byte("\r\n"))
	if lineEnd < 0 {
		return false
	}
	headerBlock := head[lineEnd+2:]

	for _, line := range bytes.Split(headerBlock, []byte("\r\n")) {
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := string(bytes.TrimSpace(line[:colon]))
		if !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		if fold.String(name) == fold.String("Connection") {
			value := string(bytes.TrimSpace(line[colon+1:]))
			return httpguts.HeaderValuesContainsToken([]string{value}, "keep-alive")
		}
	}
	return false
}

// writeClient writes payload to conn, retrying short writes until all
// bytes are sent or the client errors (spec.md §4.4 WRITE_CLIENT).
func writeClient(conn net.Conn, payload []byte) error {
	total := 0
	for total < len(payload) {
		n, err := conn.Write(payload[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

// writeStatus writes a minimal status-only response for a StatusError,
// per spec.md §4.4 "Error responses": status line, Content-Length: 0,
// Connection: close, no body.
func writeStatus(conn net.Conn, se *StatusError) {
	msg := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", se.Code, se.Reason)
	_, _ = io.WriteString(conn, msg)
}

package pipeline

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"httpcacheproxy/pkg/cache"
	"httpcacheproxy/pkg/connpool"
)

// startOrigin runs a minimal raw-socket origin server that replies with
// resp to every connection and then closes (Connection: close), used
// instead of net/http since the proxy's upstream contract is raw
// sockets (SPEC_FULL.md §8).
func startOrigin(t *testing.T, resp string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake origin: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadString('\n')
					if err != nil || line == "\r\n" {
						break
					}
				}
				conn.Write([]byte(resp))
			}()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	c := cache.New(1<<20, 1<<16, cache.DefaultTTL, nil)
	t.Cleanup(c.Destroy)
	p := connpool.New(4, time.Minute, nil)
	t.Cleanup(p.Destroy)
	cfg := Config{
		MaxRequestBytes:     8 * 1024,
		MaxResponseBytes:    1 << 20,
		UpstreamRecvTimeout: time.Second,
		DefaultTTL:          cache.DefaultTTL,
	}
	return New(cfg, c, p, nil)
}

func dialProxyAndSend(t *testing.T, pipe *Pipeline, request string) string {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		pipe.Handle(context.Background(), serverSide)
		close(done)
	}()

	clientSide.Write([]byte(request))
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 65536)
	n, _ := clientSide.Read(buf)
	clientSide.Close()
	<-done
	return string(buf[:n])
}

func TestScenario1_CacheMissFetchesFromOriginAndCaches(t *testing.T) {
	host, port := startOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length:2\r\n\r\nOK")
	pipe := newTestPipeline(t)

	req := "GET /a HTTP/1.1\r\nHost: " + host + ":" + itoa(port) + "\r\n\r\n"
	resp := dialProxyAndSend(t, pipe, req)

	if !strings.Contains(resp, "200 OK") || !strings.HasSuffix(resp, "OK") {
		t.Fatalf("unexpected response: %q", resp)
	}
	if _, entries := pipe.cache.Stats(); entries != 1 {
		t.Fatalf("expected one cache entry after miss, got %d", entries)
	}
}

func TestScenario2_CacheHitServesWithoutUpstream(t *testing.T) {
	// The origin stays up for both requests, so identical responses alone
	// would not show that the second one skipped it; the pool's dial
	// counter does.
	host, port := startOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length:2\r\n\r\nOK")
	pipe := newTestPipeline(t)
	dials := &dialCounter{}
	pipe.pool = connpool.New(4, time.Minute, dials)
	t.Cleanup(pipe.pool.Destroy)

	req := "GET /a HTTP/1.1\r\nHost: " + host + ":" + itoa(port) + "\r\n\r\n"
	first := dialProxyAndSend(t, pipe, req)
	second := dialProxyAndSend(t, pipe, req)

	if first != second {
		t.Fatalf("expected identical cached response, got %q vs %q", first, second)
	}
	if n := atomic.LoadInt32(&dials.n); n != 1 {
		t.Fatalf("expected exactly one upstream dial across both requests, got %d", n)
	}
}

// dialCounter is a connpool.Metrics that counts fresh upstream dials.
type dialCounter struct{ n int32 }

func (d *dialCounter) PoolBorrowHit()  {}
func (d *dialCounter) PoolBorrowMiss() {}
func (d *dialCounter) PoolDial()       { atomic.AddInt32(&d.n, 1) }
func (d *dialCounter) PoolClose()      {}

func TestScenario5_NonGETRejected(t *testing.T) {
	pipe := newTestPipeline(t)
	req := "POST /x HTTP/1.1\r\nHost: example.com\r\n\r\n"
	resp := dialProxyAndSend(t, pipe, req)
	if !strings.Contains(resp, "501") && !strings.Contains(resp, "400") {
		t.Fatalf("expected 400 or 501 for non-GET, got %q", resp)
	}
}

func TestScenario6_UpstreamDialFailureReturns502(t *testing.T) {
	pipe := newTestPipeline(t)
	// Port 1 is reserved and should refuse connections promptly.
	req := "GET /a HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n"
	resp := dialProxyAndSend(t, pipe, req)
	if !strings.Contains(resp, "502") {
		t.Fatalf("expected 502 on dial failure, got %q", resp)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

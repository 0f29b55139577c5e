package httpmin

import (
	"strings"
	"testing"
)

func TestParseOriginFormWithHostHeader(t *testing.T) {
	raw := "GET /a HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n"
	req, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Method != "GET" || req.Path != "/a" || req.Version != "HTTP/1.1" {
		t.Fatalf("unexpected request line fields: %+v", req)
	}
	if req.Host != "example.com" || req.Port != 80 {
		t.Fatalf("expected host=example.com port=80, got host=%s port=%d", req.Host, req.Port)
	}
}

func TestParseHostHeaderCaseInsensitive(t *testing.T) {
	raw := "GET /a HTTP/1.1\r\nhOsT: example.com\r\n\r\n"
	req, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Host != "example.com" {
		t.Fatalf("expected case-insensitive Host match, got %q", req.Host)
	}
}

func TestParseHostHeaderTrailingWhitespace(t *testing.T) {
	raw := "GET /a HTTP/1.1\r\nHost:   example.com   \r\n\r\n"
	req, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Host != "example.com" {
		t.Fatalf("expected trimmed host, got %q", req.Host)
	}
}

func TestParseAbsoluteURLTarget(t *testing.T) {
	raw := "GET http://example.com:8080/a HTTP/1.1\r\nHost: ignored\r\n\r\n"
	req, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Host != "example.com" || req.Port != 8080 || req.Path != "/a" {
		t.Fatalf("unexpected absolute-url split: host=%s port=%d path=%s", req.Host, req.Port, req.Path)
	}
}

func TestParseMissingHostIsMalformed(t *testing.T) {
	raw := "GET /a HTTP/1.1\r\nUser-Agent: test\r\n\r\n"
	_, err := Parse([]byte(raw))
	if err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestFindTerminatorMissing(t *testing.T) {
	raw := "GET /a HTTP/1.1\r\nHost: example.com\r\n"
	if FindTerminator([]byte(raw)) != -1 {
		t.Fatal("expected no terminator to be found")
	}
}

func TestFindTerminatorAtExactBoundary(t *testing.T) {
	raw := "GET /a HTTP/1.1\r\nHost: example.com\r\n\r\n"
	if FindTerminator([]byte(raw)) != len(raw) {
		t.Fatalf("expected terminator index at end of buffer, got %d (len=%d)", FindTerminator([]byte(raw)), len(raw))
	}
}

func TestRequestExactly8KiBWithTerminatorAtEnd(t *testing.T) {
	const size = 8 * 1024
	head := "GET /a HTTP/1.1\r\nHost: example.com\r\nX-Pad: "
	pad := strings.Repeat("a", size-len(head)-len(HeaderTerminator)-2)
	raw := head + pad + "\r\n" + HeaderTerminator
	if len(raw) != size {
		t.Fatalf("test construction error: built %d bytes, want %d", len(raw), size)
	}
	if FindTerminator([]byte(raw)) != size {
		t.Fatal("expected terminator to be found at the very end of an exactly-8KiB buffer")
	}
	if _, err := Parse([]byte(raw)); err != nil {
		t.Fatalf("expected exact-8KiB request to parse cleanly, got %v", err)
	}
}

// Package httpmin implements the minimal HTTP/1.x parser described in
// spec.md §4.5: extracting the request line and the Host header only,
// case-insensitive, tolerant of trailing whitespace, never reading past
// the buffer's length, with no per-header structure allocated.
//
// Grounded on original_source/src/components/http_parser.c's
// ParsedRequest_parse (request-line split on spaces, \r\n-delimited
// header scan, case-insensitive Host match) and extract_host_port's
// absolute-URL-vs-origin-form handling, folded per SPEC_FULL.md §9 into
// a single code path so the pipeline only ever sees (host, port, path).
package httpmin

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

var fold = cases.Fold()

// ErrMalformed is returned for a request line or headers httpmin cannot
// make sense of.
var ErrMalformed = errors.New("httpmin: malformed request")

// ErrNoTerminator is returned when buf does not yet contain a full
// "\r\n\r\n" header terminator — the caller should keep reading.
var ErrNoTerminator = errors.New("httpmin: no header terminator")

// Request is the boundary object produced by Parse: method, path,
// version, and the (host, port) to connect to, taken from an absolute-form
// target or else the Host header. Host keeps the case it arrived in.
type Request struct {
	Method  string
	Path    string
	Version string
	Host    string
	Port    int
}

// HeaderTerminator is the byte sequence marking the end of the header
// block.
const HeaderTerminator = "\r\n\r\n"

// FindTerminator reports the index immediately past "\r\n\r\n" in buf,
// or -1 if not yet present.
func FindTerminator(buf []byte) int {
	idx := bytes.Index(buf, []byte(HeaderTerminator))
	if idx < 0 {
		return -1
	}
	return idx + len(HeaderTerminator)
}

// Parse extracts the request line and Host header from buf, which must
// contain a full header block (callers locate the boundary with
// FindTerminator first). Any other header is ignored; no per-header
// structure is allocated beyond the single split below.
func Parse(buf []byte) (*Request, error) {
	end := FindTerminator(buf)
	if end < 0 {
		return nil, ErrNoTerminator
	}
	head := buf[:end-len(HeaderTerminator)] // exclude the trailing blank line

	lineEnd := bytes.Index(head, []byte("\r\n"))
	var requestLine []byte
	var rest []byte
	if lineEnd < 0 {
		requestLine = head
		rest = nil
	} else {
		requestLine = head[:lineEnd]
		rest = head[lineEnd+2:]
	}

	fields := strings.Fields(string(requestLine))
	if len(fields) != 3 {
		return nil, ErrMalformed
	}

	req := &Request{
		Method:  fields[0],
		Path:    fields[1],
		Version: fields[2],
		Port:    80,
	}

	host, port, path, ok := splitAbsoluteURL(req.Path)
	if ok {
		req.Host = host
		req.Port = port
		req.Path = path
	}

	if req.Host == "" {
		host := findHostHeader(rest)
		if host == "" {
			return req, ErrMalformed // caller maps to "missing Host" -> 400
		}
		h, p := splitHostPort(host)
		req.Host = h
		if p > 0 {
			req.Port = p
		}
	}

	return req, nil
}

// findHostHeader scans header lines for a case-insensitive "Host" match,
// trimming surrounding whitespace from the value, without allocating a
// structure per header.
func findHostHeader(rest []byte) string {
	for len(rest) > 0 {
		lineEnd := bytes.Index(rest, []byte("\r\n"))
		var line []byte
		if lineEnd < 0 {
			line = rest
			rest = nil
		} else {
			line = rest[:lineEnd]
			rest = rest[lineEnd+2:]
		}

		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := string(line[:colon])
		if fold.String(name) != fold.String("Host") {
			continue
		}
		value := strings.TrimSpace(string(line[colon+1:]))
		return value
	}
	return ""
}

// splitHostPort splits a "host" or "host:port" value. Port 0 means
// "unspecified" (caller keeps its own default).
func splitHostPort(hostHeader string) (string, int) {
	if idx := strings.LastIndexByte(hostHeader, ':'); idx >= 0 {
		if p, err := strconv.Atoi(hostHeader[idx+1:]); err == nil {
			return hostHeader[:idx], p
		}
	}
	return hostHeader, 0
}

// splitAbsoluteURL recognises an absolute-form request target
// ("http://host[:port]/path") and splits it into (host, port, path),
// collapsing the absolute-URL and origin-form request targets into one
// representation (SPEC_FULL.md §9). Returns ok=false for an origin-form
// path, in which case the caller falls back to the Host header.
func splitAbsoluteURL(target string) (host string, port int, path string, ok bool) {
	const prefix = "http://"
	lowered := fold.String(target)
	if !strings.HasPrefix(lowered, prefix) {
		return "", 0, "", false
	}
	rest := target[len(prefix):]

	slash := strings.IndexByte(rest, '/')
	var hostport string
	if slash < 0 {
		hostport = rest
		path = "/"
	} else {
		hostport = rest[:slash]
		path = rest[slash:]
	}

	h, p := splitHostPort(hostport)
	if p == 0 {
		p = 80
	}
	return h, p, path, true
}

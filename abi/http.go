package abi

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// RequestHead is a parsed http_request head:
//
//	METHOD URL HTTP/1.1\r\n
//	Name: value\r\n
//	\r\n
type RequestHead struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// ParseRequestHead parses the head text a guest passes to http_request.
// The URL must be absolute with an http or https scheme.
func ParseRequestHead(head []byte) (*RequestHead, error) {
	lines := strings.Split(string(head), "\n")
	requestLine := strings.TrimRight(lines[0], "\r")
	if strings.TrimSpace(requestLine) == "" {
		return nil, fmt.Errorf("empty request head")
	}

	// A leading space means the method is missing, even if three fields remain.
	if requestLine[0] == ' ' || requestLine[0] == '\t' {
		return nil, fmt.Errorf("no HTTP method found")
	}
	parts := strings.Fields(requestLine)
	switch len(parts) {
	case 1:
		return nil, fmt.Errorf("no URI found")
	case 2:
		return nil, fmt.Errorf("no HTTP version found")
	case 3:
	default:
		return nil, fmt.Errorf("malformed request line %q", requestLine)
	}
	if !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("invalid HTTP version %q", parts[2])
	}

	method := strings.ToUpper(parts[0])
	for _, c := range method {
		if c < 'A' || c > 'Z' {
			return nil, fmt.Errorf("invalid method %q", parts[0])
		}
	}

	u, err := url.Parse(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid URI: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URI %q has no host", parts[1])
	}

	h := RequestHead{Method: method, URL: u, Header: http.Header{}}
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line: %s", line)
		}
		name = strings.TrimSpace(name)
		if name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("invalid header name %q", name)
		}
		h.Header.Add(name, strings.TrimSpace(value))
	}
	return &h, nil
}

// Encode renders the head in wire form.
func (h *RequestHead) Encode() []byte {
	var b strings.Builder
	b.WriteString(h.Method)
	b.WriteByte(' ')
	b.WriteString(h.URL.String())
	b.WriteString(" HTTP/1.1\r\n")
	writeHeader(&b, h.Header)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// EncodeResponseHead renders a response status line and headers.
// Header names are sorted so the output is stable.
func EncodeResponseHead(proto string, status int, header http.Header) []byte {
	if proto == "" {
		proto = "HTTP/1.1"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s\r\n", proto, status, http.StatusText(status))
	writeHeader(&b, header)
	b.WriteString("\r\n")
	return []byte(b.String())
}

func writeHeader(b *strings.Builder, header http.Header) {
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range header[k] {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
}

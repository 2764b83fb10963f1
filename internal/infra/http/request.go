package http

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strings"
)

// request is a parsed .http script:
//
//	# comment
//	POST https://example.org/api/reindex
//	Content-Type: application/json
//
//	{"full": true}
type request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

func parseRequest(content []byte) (*request, error) {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	req := &request{Headers: http.Header{}}

	// request line
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch len(fields) {
		case 1:
			req.Method, req.URL = http.MethodGet, fields[0]
		case 2, 3: // optional trailing protocol, e.g. HTTP/1.1
			req.Method, req.URL = strings.ToUpper(fields[0]), fields[1]
		default:
			return nil, fmt.Errorf("malformed request line: %q", line)
		}
		break
	}
	if req.URL == "" {
		return nil, fmt.Errorf("missing request line")
	}

	// headers until the first blank line
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line: %q", line)
		}
		req.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	var body bytes.Buffer
	for scanner.Scan() {
		if body.Len() > 0 {
			body.WriteByte('\n')
		}
		body.Write(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	req.Body = body.Bytes()
	return req, nil
}

package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/transferd/transferd/internal/transfer"
)

// FetchRequest asks for the bytes of URL starting at Offset.
type FetchRequest struct {
	URL     string
	Headers map[string]string
	Offset  int64
}

// Response is an open body positioned at the requested offset, or at zero
// when the source ignored the offset.
type Response struct {
	Body io.ReadCloser
	// Total is the full size of the resource, -1 when unknown.
	Total int64
	// Filename is the name suggested by the source, if any.
	Filename string
	// Resumed is true when Body starts at the requested offset.
	Resumed bool
}

// Fetcher opens a resource for reading.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*Response, error)
}

// HTTPError is a non-success status returned by the remote end.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	if e.Status != "" {
		return e.Status
	}
	return fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether retrying the request may succeed.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// Categorize maps a transfer failure to its error category.
func Categorize(err error) transfer.ErrorCategory {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusProxyAuthRequired:
			return transfer.ErrorAuth
		}
		return transfer.ErrorHTTP
	}
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) {
		return transfer.ErrorFile
	}
	return transfer.ErrorNetwork
}

// Router dispatches on the URL scheme.
type Router struct {
	HTTP Fetcher
	// S3 is optional; s3:// URLs fail without it.
	S3 Fetcher
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, req FetchRequest) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return r.HTTP.Fetch(ctx, req)
	case "s3":
		if r.S3 == nil {
			return nil, errors.New("s3 downloads are not configured")
		}
		return r.S3.Fetch(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// HTTPFetcher fetches over HTTP(S) with Range based resumption.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher creates a fetcher; a nil client means http.DefaultClient.
func NewHTTPFetcher(client *http.Client, userAgent string) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, userAgent: userAgent}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req FetchRequest) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if f.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	if req.Offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.Offset))
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	filename := dispositionFilename(resp.Header.Get("Content-Disposition"))

	switch {
	case resp.StatusCode == http.StatusPartialContent && req.Offset > 0:
		_, total := parseContentRange(resp.Header.Get("Content-Range"))
		return &Response{Body: resp.Body, Total: total, Filename: filename, Resumed: true}, nil

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && req.Offset > 0:
		// a complete temp file asks for the range past its end
		_, total := parseContentRange(resp.Header.Get("Content-Range"))
		if total == req.Offset {
			resp.Body.Close()
			return &Response{Body: http.NoBody, Total: total, Filename: filename, Resumed: true}, nil
		}

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Response{Body: resp.Body, Total: resp.ContentLength, Filename: filename}, nil
	}

	resp.Body.Close()
	return nil, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
}

// parseContentRange reads "bytes start-end/total"; unknown parts are -1.
func parseContentRange(v string) (start, total int64) {
	start, total = -1, -1
	v = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "bytes"))
	rangePart, totalPart, ok := strings.Cut(v, "/")
	if !ok {
		return
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(totalPart), 10, 64); err == nil {
		total = n
	}
	if first, _, ok := strings.Cut(rangePart, "-"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64); err == nil {
			start = n
		}
	}
	return
}

func dispositionFilename(v string) string {
	if v == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	// mime decodes filename* into filename
	return params["filename"]
}

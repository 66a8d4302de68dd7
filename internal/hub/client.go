package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/datasetops/hubfetch/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// requestTimeout bounds a single hub request. Large blob fetches stream for a
// long time, so this mirrors the generous ceiling the hub tooling uses.
const requestTimeout = 15 * time.Minute

const DefaultEndpoint = "https://huggingface.co"

// File is one downloadable entry in a dataset tree.
type File struct {
	Path   string // path relative to the dataset repository root
	Size   int64  // actual content size in bytes
	SHA256 string // hex content hash when the hub knows it, empty otherwise
}

// Client talks to the hub's HTTP API: metadata, tree listings and raw file
// content. It is safe for concurrent use.
type Client struct {
	endpoint string
	httpc    *http.Client
}

// NewClient builds a hub client for the given endpoint. When token is
// non-empty every request carries it as a bearer credential.
func NewClient(endpoint, token string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	base := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	httpc := base
	if token != "" {
		tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpc = oauth2.NewClient(ctx, tokenSource)
	}

	httpc.Timeout = requestTimeout

	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpc:    httpc,
	}
}

// ListConfigs queries the dataset's metadata for its named configurations.
// The result order is whatever the hub returns; callers sort it.
func (c *Client) ListConfigs(ctx context.Context, dataset string) ([]string, error) {
	const op = "list_configs"

	u := fmt.Sprintf("%s/api/datasets/%s", c.endpoint, encodePath(dataset))

	body, err := c.get(ctx, op, u)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	// Decode into a closed shape at the boundary; nothing downstream sees
	// raw metadata.
	var info struct {
		CardData struct {
			Configs []struct {
				Name string `json:"config_name"`
			} `json:"configs"`
		} `json:"cardData"`
	}

	if err := json.NewDecoder(body).Decode(&info); err != nil {
		return nil, &PermanentError{Operation: op, Reason: "malformed metadata response", Err: err}
	}

	configs := make([]string, 0, len(info.CardData.Configs))
	for _, cfg := range info.CardData.Configs {
		if cfg.Name != "" {
			configs = append(configs, cfg.Name)
		}
	}

	return configs, nil
}

// ListFiles returns every file under the given config's subtree. An empty
// config lists the repository root (single-config datasets).
func (c *Client) ListFiles(ctx context.Context, dataset, config string) ([]File, error) {
	const op = "list_files"

	u := fmt.Sprintf("%s/api/datasets/%s/tree/main", c.endpoint, encodePath(dataset))
	if config != "" {
		u += "/" + url.PathEscape(config)
	}
	u += "?recursive=true"

	body, err := c.get(ctx, op, u)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var entries []struct {
		Type string `json:"type"`
		Path string `json:"path"`
		Size int64  `json:"size"`
		LFS  *struct {
			Oid  string `json:"oid"`
			Size int64  `json:"size"`
		} `json:"lfs,omitempty"`
	}

	if err := json.NewDecoder(body).Decode(&entries); err != nil {
		return nil, &PermanentError{Operation: op, Reason: "malformed tree response", Err: err}
	}

	files := make([]File, 0, len(entries))

	for _, e := range entries {
		if e.Type != "file" {
			continue
		}

		f := File{Path: e.Path, Size: e.Size}
		if e.LFS != nil {
			// For LFS entries the oid is the sha256 of the content and
			// the top-level size is just the pointer file.
			f.SHA256 = e.LFS.Oid
			if e.LFS.Size > 0 {
				f.Size = e.LFS.Size
			}
		}

		files = append(files, f)
	}

	return files, nil
}

// FetchFile opens the raw content of a file for reading. The caller owns the
// returned reader and must close it.
func (c *Client) FetchFile(ctx context.Context, dataset string, f File) (io.ReadCloser, error) {
	const op = "fetch_file"

	u := fmt.Sprintf("%s/datasets/%s/resolve/main/%s", c.endpoint, encodePath(dataset), encodePath(f.Path))

	logctx.LoggerFromContext(ctx).Debug("fetching file", "url", u, "size", f.Size)

	return c.get(ctx, op, u)
}

func (c *Client) get(ctx context.Context, op, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &PermanentError{Operation: op, Reason: "invalid request", Err: err}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &TransientError{Operation: op, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		return nil, classifyStatus(op, resp)
	}

	return resp.Body, nil
}

// classifyStatus maps a non-200 hub response onto the retry taxonomy.
func classifyStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{Operation: op, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &PermanentError{Operation: op, StatusCode: resp.StatusCode, Reason: "authentication required or access denied"}
	case resp.StatusCode == http.StatusNotFound:
		return &PermanentError{Operation: op, StatusCode: resp.StatusCode, Reason: "not found"}
	case resp.StatusCode >= 500:
		return &TransientError{Operation: op, StatusCode: resp.StatusCode}
	default:
		return &PermanentError{Operation: op, StatusCode: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
	}
}

// parseRetryAfter handles both forms of the header: delta seconds and an
// absolute HTTP date. Returns 0 when the header is absent or unparseable.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}

	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}

	return 0
}

// encodePath escapes each path segment separately so slashes survive.
func encodePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}

	return strings.Join(parts, "/")
}

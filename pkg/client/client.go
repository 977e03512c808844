package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/shipyard/pkg/api"
	"github.com/cuemby/shipyard/pkg/events"
	"github.com/cuemby/shipyard/pkg/manager"
	"github.com/cuemby/shipyard/pkg/reconciler"
	"github.com/cuemby/shipyard/pkg/types"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds a single request, retries excluded
	DefaultTimeout = 2 * time.Minute

	// DefaultRetryMax is how often a request that never reached the server is retried
	DefaultRetryMax = 3
)

// Client talks to the shipyard REST API
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http.HTTPClient = hc }
}

// WithRetryMax sets how often a failed request is retried. Zero disables retries.
func WithRetryMax(n int) Option {
	return func(c *Client) { c.http.RetryMax = n }
}

// WithLogger reports retries on logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.http.Logger = leveledLogger{logger} }
}

// NewClient creates a client for the server at baseURL, e.g. http://localhost:8080
func NewClient(baseURL string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	rc.RetryMax = DefaultRetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// checkRetry retries transport failures and 503s only. Any other answer
// means the server acted on the request, and lifecycle operations must not
// be replayed.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return resp.StatusCode == http.StatusServiceUnavailable, nil
}

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do sends a request and decodes a 2xx JSON body into out. Error bodies
// are decoded into *types.Error; the returned ErrorResponse is non-nil
// whenever the server answered with one.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (*api.ErrorResponse, error) {
	var raw any
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		raw = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.url(path, query), raw)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) (*api.ErrorResponse, error) {
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return nil, nil
}

func decodeError(resp *http.Response) (*api.ErrorResponse, error) {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var body api.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Kind == "" {
		return nil, &types.Error{
			Kind:   kindForStatus(resp.StatusCode),
			Detail: fmt.Sprintf("unexpected response %s: %s", resp.Status, strings.TrimSpace(string(data))),
		}
	}
	return &body, &types.Error{Kind: body.Kind, Detail: body.Error}
}

func kindForStatus(status int) types.ErrorKind {
	switch status {
	case http.StatusBadRequest:
		return types.KindValidation
	case http.StatusNotFound:
		return types.KindNotFound
	case http.StatusConflict:
		return types.KindConflict
	case http.StatusBadGateway:
		return types.KindRuntime
	default:
		return types.KindInternal
	}
}

func boolQuery(name string, v bool) url.Values {
	if !v {
		return nil
	}
	return url.Values{name: []string{"true"}}
}

// UploadImage streams an image archive to the server. With load set the
// server starts loading it right away.
func (c *Client) UploadImage(ctx context.Context, filename string, archive io.Reader, load bool) (*types.UploadedImage, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, archive)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/v1/images/upload", boolQuery("load", load)), pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	// The body is a one-shot stream, so uploads bypass the retrying client.
	resp, err := c.http.HTTPClient.Do(req)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("upload of %s failed: %w", filename, err)
	}
	defer resp.Body.Close()

	var img types.UploadedImage
	if _, err := decodeResponse(resp, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func (c *Client) ListUploadedImages(ctx context.Context, latestOnly bool) ([]*types.UploadedImage, error) {
	var out []*types.UploadedImage
	_, err := c.do(ctx, http.MethodGet, "/api/v1/images/uploaded", boolQuery("latest_only", latestOnly), nil, &out)
	return out, err
}

func (c *Client) GetUploadedImage(ctx context.Context, id string) (*types.UploadedImage, error) {
	var out types.UploadedImage
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/images/uploaded/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadImage starts loading an uploaded archive. The returned record is in
// loading; poll GetUploadedImage or use WaitForLoad for the outcome.
func (c *Client) LoadImage(ctx context.Context, id string) (*types.UploadedImage, error) {
	var out types.UploadedImage
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/images/uploaded/"+url.PathEscape(id)+"/load", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForLoad polls an uploaded image until it leaves loading
func (c *Client) WaitForLoad(ctx context.Context, id string, interval time.Duration) (*types.UploadedImage, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		img, err := c.GetUploadedImage(ctx, id)
		if err != nil {
			return nil, err
		}
		if img.Status != types.ImageStatusLoading {
			return img, nil
		}
		select {
		case <-ctx.Done():
			return img, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) DeleteUploadedImage(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/images/uploaded/"+url.PathEscape(id), nil, nil, nil)
	return err
}

func (c *Client) ListDockerImages(ctx context.Context, activeOnly bool) ([]*types.DockerImage, error) {
	var out []*types.DockerImage
	_, err := c.do(ctx, http.MethodGet, "/api/v1/images/docker", boolQuery("active_only", activeOnly), nil, &out)
	return out, err
}

func (c *Client) GetDockerImage(ctx context.Context, id string) (*types.DockerImage, error) {
	var out types.DockerImage
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/images/docker/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReloadDockerImage(ctx context.Context, id string) (*types.DockerImage, error) {
	var out types.DockerImage
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/images/docker/"+url.PathEscape(id)+"/load", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteDockerImage removes the image from the runtime. With purge the
// record is deleted too, otherwise it is kept as inactive.
func (c *Client) DeleteDockerImage(ctx context.Context, id string, purge bool) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/images/docker/"+url.PathEscape(id), boolQuery("purge", purge), nil, nil)
	return err
}

// CreateContainer creates a container. When AutoStart is set and the start
// fails, the container record in error is returned along with the error.
func (c *Client) CreateContainer(ctx context.Context, req manager.CreateRequest) (*types.Container, error) {
	var out types.Container
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/containers", nil, req, &out)
	if err != nil {
		if resp != nil && resp.Container != nil {
			return resp.Container, err
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListContainers(ctx context.Context, includeDeleted bool) ([]*types.Container, error) {
	var out []*types.Container
	_, err := c.do(ctx, http.MethodGet, "/api/v1/containers", boolQuery("include_deleted", includeDeleted), nil, &out)
	return out, err
}

func (c *Client) GetContainer(ctx context.Context, id string) (*types.Container, error) {
	return c.containerOp(ctx, http.MethodGet, id, "")
}

func (c *Client) StartContainer(ctx context.Context, id string) (*types.Container, error) {
	return c.containerOp(ctx, http.MethodPost, id, "/start")
}

func (c *Client) StopContainer(ctx context.Context, id string) (*types.Container, error) {
	return c.containerOp(ctx, http.MethodPost, id, "/stop")
}

func (c *Client) DeleteContainer(ctx context.Context, id string) (*types.Container, error) {
	return c.containerOp(ctx, http.MethodDelete, id, "")
}

func (c *Client) containerOp(ctx context.Context, method, id, suffix string) (*types.Container, error) {
	var out types.Container
	if _, err := c.do(ctx, method, "/api/v1/containers/"+url.PathEscape(id)+suffix, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ContainerLogs returns the last tail lines of a container's output.
// A tail of zero uses the server default.
func (c *Client) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	var query url.Values
	if tail > 0 {
		query = url.Values{"tail": []string{strconv.Itoa(tail)}}
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/v1/containers/"+url.PathEscape(id)+"/logs", query), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching logs of %s failed: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, err := decodeError(resp)
		return "", err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return string(data), nil
}

// Reconcile asks for a reconciliation pass. Without wait the pass runs in
// the background and the report is nil.
func (c *Client) Reconcile(ctx context.Context, wait bool) (*reconciler.Report, error) {
	if !wait {
		_, err := c.do(ctx, http.MethodPost, "/api/v1/reconcile", nil, nil, nil)
		return nil, err
	}
	var report reconciler.Report
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/reconcile", boolQuery("wait", true), nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Ready returns nil when the server reports ready
func (c *Client) Ready(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url("/ready", nil), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server not ready: %s", bytes.TrimSpace(data))
	}
	return nil
}

// StreamEvents calls fn for every event the server sends until ctx ends,
// the stream closes or fn returns an error. typePrefix filters by event type.
func (c *Client) StreamEvents(ctx context.Context, typePrefix string, fn func(*events.Event) error) error {
	var query url.Values
	if typePrefix != "" {
		query = url.Values{"type": []string{typePrefix}}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/v1/events", query), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the request timeout of the shared client.
	stream := *c.http.HTTPClient
	stream.Timeout = 0
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, err := decodeError(resp)
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var event events.Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("malformed event: %w", err)
		}
		if err := fn(&event); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream failed: %w", err)
	}
	return nil
}

// leveledLogger adapts zerolog to retryablehttp's LeveledLogger
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.logger.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.logger.Info().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn().Fields(kv).Msg(msg) }

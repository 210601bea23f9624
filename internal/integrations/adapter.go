// Package integrations implements the built-in upstream plugins: shared
// HTTP adapters, poll functions, websocket realtime managers, and the
// metric declarations each integration type exposes. RegisterAll wires
// every plugin into a registry together with the shared resources they
// need (HTTP client, instance lister, GeoIP lookup).
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/manifold-dash/manifold/internal/plugin"
)

const (
	adapterUserAgent = "Manifold/1.0"
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 8 << 20
)

// Configuration and credential errors surface verbatim in stream error
// envelopes and are matched by the poll orchestrator's classifier. Keep
// the wording stable.
var (
	errNoURL      = errors.New("No URL configured")
	errNoAPIKey   = errors.New("URL and API key required")
	errNoToken    = errors.New("URL and token required")
	errAuthFailed = errors.New("Authentication failed")
)

// authFunc signs one outbound request for an instance.
type authFunc func(inst plugin.Instance, req *http.Request)

// headerAuth returns an authFunc that copies one instance config value
// into a fixed request header, e.g. X-Api-Key for the arr family.
func headerAuth(header, configKey string) authFunc {
	return func(inst plugin.Instance, req *http.Request) {
		if v := inst.ConfigString(configKey); v != "" {
			req.Header.Set(header, v)
		}
	}
}

// basicAuth signs requests with HTTP basic auth when a username is set.
func basicAuth(inst plugin.Instance, req *http.Request) {
	if user := inst.ConfigString("username"); user != "" {
		req.SetBasicAuth(user, inst.ConfigString("password"))
	}
}

// httpAdapter is the shared plugin.Adapter implementation. The instance
// config supplies the base URL and optional custom headers; the per-type
// auth hook signs each request. Context deadlines win over the default
// per-call timeout.
type httpAdapter struct {
	client  *http.Client
	timeout time.Duration
	auth    authFunc
}

func newHTTPAdapter(client *http.Client, timeout time.Duration, auth authFunc) *httpAdapter {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &httpAdapter{client: client, timeout: timeout, auth: auth}
}

func (a *httpAdapter) Get(ctx context.Context, inst plugin.Instance, path string, opts ...plugin.RequestOption) (*plugin.Response, error) {
	return a.Request(ctx, inst, http.MethodGet, path, nil, opts...)
}

func (a *httpAdapter) Post(ctx context.Context, inst plugin.Instance, path string, body any, opts ...plugin.RequestOption) (*plugin.Response, error) {
	return a.Request(ctx, inst, http.MethodPost, path, body, opts...)
}

func (a *httpAdapter) Request(ctx context.Context, inst plugin.Instance, method, path string, body any, opts ...plugin.RequestOption) (*plugin.Response, error) {
	o := plugin.ApplyOptions(opts)

	base := strings.TrimRight(strings.TrimSpace(inst.ConfigString("url")), "/")
	if base == "" {
		return nil, errNoURL
	}
	target := base + path
	if len(o.Params) > 0 {
		q := url.Values{}
		for k, v := range o.Params {
			q.Set(k, v)
		}
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + q.Encode()
	}

	timeout := o.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reqBody, contentType, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("User-Agent", adapterUserAgent)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	applyCustomHeaders(inst, req)
	for k, v := range o.Headers {
		req.Header.Set(k, v)
	}
	if a.auth != nil {
		a.auth(inst, req)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response %s %s: %w", method, path, err)
	}
	return &plugin.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// encodeBody turns a request body into a reader plus content type. Form
// values post urlencoded, raw bytes pass through, anything else is JSON.
func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case url.Values:
		return strings.NewReader(b.Encode()), "application/x-www-form-urlencoded", nil
	case []byte:
		return bytes.NewReader(b), "application/json", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// applyCustomHeaders copies user-configured extra headers onto the
// request. Malformed names or values are skipped, not fatal.
func applyCustomHeaders(inst plugin.Instance, req *http.Request) {
	raw, ok := inst.Config["headers"]
	if !ok {
		return
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return
	}
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if !httpguts.ValidHeaderFieldName(k) || !httpguts.ValidHeaderFieldValue(s) {
			continue
		}
		req.Header.Set(k, s)
	}
}

// requireOK guards an adapter call: transport errors pass through and
// non-2xx statuses normalize to the classifier's status error form.
func requireOK(resp *plugin.Response, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("Request failed with status code %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// decodeJSON unmarshals an upstream body, naming the path on failure.
func decodeJSON(data []byte, v any, path string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

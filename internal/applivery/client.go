package applivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/applivery/updater/internal/feedback"
	"github.com/applivery/updater/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// Token authorizes a single download of one build.
type Token struct {
	Value string
}

// Download is an open build download. The caller owns Body.
type Download struct {
	Body io.ReadCloser
	// ContentLength is -1 when the server did not declare it.
	ContentLength int64
}

// AppConfig is the subset of the application configuration the updater uses.
type AppConfig struct {
	Name             string
	LastBuildID      string
	LastBuildVersion string
	MinVersion       string
	ForceUpdate      bool
	OTA              bool
}

type Options struct {
	BaseURL  string
	AppToken string
	// Timeout bounds the metadata calls (token, app config, feedback). Build
	// downloads are bounded only by their context.
	Timeout   time.Duration
	Headers   DeviceHeaders
	Transport http.RoundTripper
}

// Client talks to the distribution API on behalf of one application.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
}

type serverResponse[T any] struct {
	Status bool `json:"status"`
	Data   *T   `json:"data"`
}

type tokenData struct {
	Token string `json:"token"`
}

type appData struct {
	Name string `json:"name"`
	SDK  struct {
		Android struct {
			LastBuildID      string `json:"lastBuildId"`
			LastBuildVersion string `json:"lastBuildVersion"`
			MinVersion       string `json:"minVersion"`
			ForceUpdate      bool   `json:"forceUpdate"`
			OTA              bool   `json:"ota"`
		} `json:"android"`
	} `json:"sdk"`
}

func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", opts.BaseURL)
	}

	if opts.AppToken == "" {
		return nil, errors.New("app token is required")
	}

	rt := opts.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}

	rt = otelhttp.NewTransport(&headersTransport{headers: opts.Headers, base: rt})

	// The app token is sent as a bearer credential on every call.
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.AppToken})
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Transport: rt})

	return &Client{
		baseURL:    base,
		httpClient: oauth2.NewClient(ctx, tokenSource),
		timeout:    opts.Timeout,
	}, nil
}

// ObtainToken requests a download token for buildID. One attempt, no retries.
func (c *Client) ObtainToken(ctx context.Context, buildID string) (Token, error) {
	const op = "obtain_token"

	logger := logctx.LoggerFromContext(ctx).With("build_id", buildID)

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, op, http.MethodGet, c.endpoint("v1", "build", buildID, "downloadToken"), nil)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	var body serverResponse[tokenData]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Token{}, &ParseError{Operation: op, Err: err}
	}

	if body.Data == nil || body.Data.Token == "" {
		return Token{}, &ParseError{Operation: op, Field: "data.token"}
	}

	logger.DebugContext(ctx, "obtained build token")

	return Token{Value: body.Data.Token}, nil
}

// DownloadBuild opens the package stream authorized by token.
func (c *Client) DownloadBuild(ctx context.Context, token Token) (*Download, error) {
	resp, err := c.do(ctx, "download_build", http.MethodGet, c.endpoint("v1", "download", token.Value, "get"), nil)
	if err != nil {
		return nil, err
	}

	return &Download{Body: resp.Body, ContentLength: resp.ContentLength}, nil
}

// AppConfig fetches the application configuration, including the id of the
// latest build published for it.
func (c *Client) AppConfig(ctx context.Context) (*AppConfig, error) {
	const op = "app_config"

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, op, http.MethodGet, c.endpoint("v1", "app"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body serverResponse[appData]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &ParseError{Operation: op, Err: err}
	}

	if body.Data == nil {
		return nil, &ParseError{Operation: op, Field: "data"}
	}

	android := body.Data.SDK.Android

	return &AppConfig{
		Name:             body.Data.Name,
		LastBuildID:      android.LastBuildID,
		LastBuildVersion: android.LastBuildVersion,
		MinVersion:       android.MinVersion,
		ForceUpdate:      android.ForceUpdate,
		OTA:              android.OTA,
	}, nil
}

// SendFeedback posts a feedback report.
func (c *Client) SendFeedback(ctx context.Context, fb feedback.Feedback) error {
	const op = "send_feedback"

	payload, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("failed to marshal feedback: %w", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, op, http.MethodPost, c.endpoint("v1", "feedback"), bytes.NewReader(payload))
	if err != nil {
		return err
	}

	return resp.Body.Close()
}

func (c *Client) do(ctx context.Context, operation, method string, u *url.URL, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Operation: operation, Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()

		return nil, errorFromResponse(operation, resp.StatusCode, resp.Body)
	}

	return resp, nil
}

func (c *Client) endpoint(segments ...string) *url.URL {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}

	return c.baseURL.JoinPath(escaped...)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.timeout)
}

package applivery

import (
	"context"

	"github.com/applivery/updater/internal/feedback"
	"github.com/applivery/updater/internal/telemetry"
)

const clientType = "applivery"

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	client    *Client
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented API client.
func NewInstrumentedClient(client *Client, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{
		client:    client,
		telemetry: tel,
	}
}

// ObtainToken requests a download token with telemetry.
func (c *InstrumentedClient) ObtainToken(ctx context.Context, buildID string) (Token, error) {
	var result Token

	err := c.telemetry.InstrumentClientOperation(ctx, clientType, "obtain_token", func(ctx context.Context) error {
		var err error

		result, err = c.client.ObtainToken(ctx, buildID)

		return err
	})

	return result, err
}

// DownloadBuild opens a build stream with telemetry. The span covers the
// request only, not the body transfer.
func (c *InstrumentedClient) DownloadBuild(ctx context.Context, token Token) (*Download, error) {
	var result *Download

	err := c.telemetry.InstrumentClientOperation(ctx, clientType, "download_build", func(ctx context.Context) error {
		var err error

		result, err = c.client.DownloadBuild(ctx, token)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// AppConfig fetches the application configuration with telemetry.
func (c *InstrumentedClient) AppConfig(ctx context.Context) (*AppConfig, error) {
	var result *AppConfig

	err := c.telemetry.InstrumentClientOperation(ctx, clientType, "app_config", func(ctx context.Context) error {
		var err error

		result, err = c.client.AppConfig(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// SendFeedback posts feedback with telemetry.
func (c *InstrumentedClient) SendFeedback(ctx context.Context, fb feedback.Feedback) error {
	return c.telemetry.InstrumentClientOperation(ctx, clientType, "send_feedback", func(ctx context.Context) error {
		return c.client.SendFeedback(ctx, fb)
	})
}

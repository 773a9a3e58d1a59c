package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

const (
	barWidth = 20

	// suppress_notifications in the Discord message flags.
	flagSilent = 1 << 12
)

// DiscordSurface mirrors a notification as a single webhook message that is
// created on the first post, edited afterwards and deleted on cancel.
type DiscordSurface struct {
	WebhookURL string
	Client     *http.Client

	mu       sync.Mutex
	messages map[int]string
}

type discordMessage struct {
	Content string `json:"content"`
	Flags   int    `json:"flags,omitempty"`
}

type discordResponse struct {
	ID string `json:"id"`
}

func (d *DiscordSurface) Post(ctx context.Context, n Notification) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	msg := discordMessage{Content: render(n)}
	if n.Silent {
		msg.Flags = flagSilent
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.messages[n.ID]; ok {
		resp, err := d.send(ctx, http.MethodPatch, d.messageURL(id), body)
		if err != nil {
			return err
		}

		resp.Body.Close()

		return nil
	}

	endpoint, err := url.Parse(d.WebhookURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}

	q := endpoint.Query()
	q.Set("wait", "true")
	endpoint.RawQuery = q.Encode()

	resp, err := d.send(ctx, http.MethodPost, endpoint.String(), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var created discordResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("failed to decode webhook response: %w", err)
	}

	if created.ID == "" {
		return fmt.Errorf("webhook response has no message id")
	}

	if d.messages == nil {
		d.messages = make(map[int]string)
	}

	d.messages[n.ID] = created.ID

	return nil
}

func (d *DiscordSurface) Cancel(ctx context.Context, id int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	msgID, ok := d.messages[id]
	if !ok {
		return nil
	}

	delete(d.messages, id)

	resp, err := d.send(ctx, http.MethodDelete, d.messageURL(msgID), nil)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

func (d *DiscordSurface) send(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return resp, nil
}

func (d *DiscordSurface) messageURL(id string) string {
	base := d.WebhookURL
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}

	return strings.TrimRight(base, "/") + "/messages/" + url.PathEscape(id)
}

func render(n Notification) string {
	var b strings.Builder

	b.WriteString("**")
	b.WriteString(n.Title)
	b.WriteString("**\n")

	if n.Indeterminate {
		b.WriteString("`[" + strings.Repeat("~", barWidth) + "]`")
	} else {
		limit := n.Max
		if limit <= 0 {
			limit = MaxProgress
		}

		filled := barWidth * min(max(n.Progress, 0), limit) / limit
		b.WriteString("`[" + strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled) + "]`")
		fmt.Fprintf(&b, " %d%%", n.Progress)
	}

	if n.Text != "" {
		b.WriteString("\n")
		b.WriteString(n.Text)
	}

	return b.String()
}

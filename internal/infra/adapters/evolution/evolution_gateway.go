package evolution

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

	"whatsapp-ai-platform/internal/domain/ports/adapter"
)

var _ adapter.MessagingGateway = (*Gateway)(nil)

// StatusError is a non-2xx reply from the gateway.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("evolution: status %d: %s", e.Code, e.Body)
}

// Gateway talks to an Evolution API server over REST.
type Gateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewGateway(baseURL, apiKey string, timeout time.Duration) (*Gateway, error) {
	if baseURL == "" {
		return nil, errors.New("evolution url empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid evolution url: %w", err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (g *Gateway) endpoint(path, instance string) string {
	return g.baseURL + path + url.PathEscape(instance)
}

// SendText posts a plain text message from instance to the number.
func (g *Gateway) SendText(ctx context.Context, instance, to, text string) error {
	return g.do(ctx, http.MethodPost, g.endpoint("/message/sendText/", instance), map[string]any{
		"number": to,
		"text":   text,
	}, nil)
}

// SetPresence shows or clears the typing indicator for a chat.
func (g *Gateway) SetPresence(ctx context.Context, instance, to string, presence adapter.Presence) error {
	return g.do(ctx, http.MethodPost, g.endpoint("/chat/sendPresence/", instance), map[string]any{
		"number":   to,
		"presence": string(presence),
		"delay":    0,
	}, nil)
}

func (g *Gateway) InstanceStatus(ctx context.Context, instance string) (adapter.InstanceStatus, error) {
	var out struct {
		Instance struct {
			InstanceName string `json:"instanceName"`
			State        string `json:"state"`
		} `json:"instance"`
	}
	if err := g.do(ctx, http.MethodGet, g.endpoint("/instance/connectionState/", instance), nil, &out); err != nil {
		return adapter.InstanceStatus{}, err
	}
	name := out.Instance.InstanceName
	if name == "" {
		name = instance
	}
	return adapter.InstanceStatus{Instance: name, State: out.Instance.State}, nil
}

func (g *Gateway) do(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", g.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

package chat

import (
	"context"
	"fmt"
	"time"

	"tipbot/pkg/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("chat", fx.Provide(NewClient))

// Transport is what the bot needs from the chat platform.
type Transport interface {
	// PostPrompt posts an interactive message and returns its UI reference.
	PostPrompt(ctx context.Context, msg Message) (string, error)
	// PostMessage posts a notice. No reference is kept.
	PostMessage(ctx context.Context, msg Notice) error
	// RemoveUIElement deletes a previously posted element. Callers treat
	// failures as cosmetic.
	RemoveUIElement(ctx context.Context, ref string) error
}

type client struct {
	http *resty.Client
}

func NewClient(cfg *config.Config) Transport {
	timeout := cfg.Chat.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &client{
		http: resty.New().
			SetBaseURL(cfg.Chat.BaseURL).
			SetAuthToken(cfg.Chat.Token).
			SetTimeout(timeout).
			SetRetryCount(2).
			SetHeader("Content-Type", "application/json"),
	}
}

type component struct {
	Type      string    `json:"type"`
	Label     string    `json:"label"`
	Style     string    `json:"style"`
	Selection Selection `json:"selection,omitempty"`
	ActionID  string    `json:"action_id,omitempty"`
}

type wireMessage struct {
	Type       string      `json:"type"`
	Scope      string      `json:"scope"`
	UserID     string      `json:"user_id,omitempty"`
	Text       string      `json:"text"`
	Mentions   []string    `json:"mentions,omitempty"`
	Ephemeral  bool        `json:"ephemeral"`
	Components []component `json:"components,omitempty"`
}

type postResponse struct {
	Ref string `json:"ref"`
}

func encode(msg Message) (wireMessage, error) {
	switch m := msg.(type) {
	case ConfirmationPrompt:
		comps := make([]component, 0, len(m.Buttons))
		for _, b := range m.Buttons {
			comps = append(comps, component{
				Type:      "button",
				Label:     b.Label,
				Style:     string(b.Style),
				Selection: b.Selection,
				ActionID:  m.ActionID,
			})
		}
		return wireMessage{
			Type:       "confirmation_prompt",
			Scope:      m.Scope,
			UserID:     m.UserID,
			Text:       m.Text,
			Ephemeral:  true,
			Components: comps,
		}, nil
	case Notice:
		return wireMessage{
			Type:      "notice",
			Scope:     m.Scope,
			UserID:    m.UserID,
			Text:      m.Text,
			Mentions:  m.Mentions,
			Ephemeral: m.Ephemeral,
		}, nil
	default:
		return wireMessage{}, fmt.Errorf("chat: unsupported message %T", msg)
	}
}

func (c *client) post(ctx context.Context, msg Message) (string, error) {
	body, err := encode(msg)
	if err != nil {
		return "", err
	}

	var out postResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/messages")
	if err != nil {
		return "", fmt.Errorf("chat post: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("chat post: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Ref, nil
}

func (c *client) PostPrompt(ctx context.Context, msg Message) (string, error) {
	ref, err := c.post(ctx, msg)
	if err != nil {
		return "", err
	}
	if ref == "" {
		return "", fmt.Errorf("chat post: empty message ref")
	}
	return ref, nil
}

func (c *client) PostMessage(ctx context.Context, msg Notice) error {
	_, err := c.post(ctx, msg)
	return err
}

func (c *client) RemoveUIElement(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("ref", ref).
		Delete("/messages/{ref}")
	if err != nil {
		return fmt.Errorf("chat remove %s: %w", ref, err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return fmt.Errorf("chat remove %s: status %d", ref, resp.StatusCode())
	}
	if resp.StatusCode() == 404 {
		zap.L().Debug("ui element already gone", zap.String("ref", ref))
	}
	return nil
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sendme/domain"
	"sendme/errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	defaultTitle = "SendMe"
	defaultBody  = "You have a new transfer waiting in SendMe"
)

var validate = validator.New()

// Config is read from the NOTIFY_ prefixed environment.
type Config struct {
	URL     string        `envconfig:"URL" validate:"omitempty,url"`
	Token   string        `envconfig:"TOKEN"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"5s" validate:"gt=0"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("notify", &cfg); err != nil {
		return Config{}, fmt.Errorf("notify config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("notify config: %w", err)
	}
	return cfg, nil
}

// Enabled reports whether a push gateway is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// Webhook posts notifications as a JSON data payload to a push gateway,
// which forwards them to the device of the recipient.
type Webhook struct {
	log    *slog.Logger
	url    string
	token  string
	client *http.Client
}

func NewWebhook(log *slog.Logger, cfg Config) *Webhook {
	return &Webhook{
		log:    log,
		url:    cfg.URL,
		token:  cfg.Token,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Notify delivers n once. Empty titles fall back to the sender name and
// empty bodies to a generic text.
func (w *Webhook) Notify(ctx context.Context, n domain.Notification) error {
	if n.Title == "" {
		n.Title = defaultTitle
		if n.SenderUsername != "" {
			n.Title = n.SenderUsername
		}
	}
	if n.Body == "" {
		n.Body = defaultBody
	}
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrNotificationRejected, err)
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", errors.ErrNotificationRejected, resp.StatusCode, bytes.TrimSpace(body))
	}
	w.log.Debug("Notification posted", "to", n.To, "session_id", n.SessionID, "status", resp.StatusCode)
	return nil
}

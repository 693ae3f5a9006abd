package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sendme/domain"
	"sendme/errors"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func newTestWebhook(url string) *Webhook {
	return NewWebhook(logs.GetLoggerFromLevel(slog.LevelDebug), Config{URL: url, Token: "gateway-token", Timeout: 2 * time.Second})
}

func TestWebhook_Notify(t *testing.T) {
	req := require.New(t)

	var (
		got  map[string]string
		auth string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	// When a notification is posted
	err := newTestWebhook(server.URL).Notify(context.Background(), domain.Notification{
		To:             "bob",
		Title:          "Incoming transfer",
		Body:           "alice wants to send you holiday.jpg",
		SessionID:      "s-1",
		SenderUsername: "alice",
	})

	// Then the gateway receives the data payload
	req.NoError(err)
	req.Equal("Bearer gateway-token", auth)
	req.Equal(map[string]string{
		"to":             "bob",
		"title":          "Incoming transfer",
		"body":           "alice wants to send you holiday.jpg",
		"sessionId":      "s-1",
		"senderUsername": "alice",
	}, got)
}

func TestWebhook_Notify_FallbackText(t *testing.T) {
	req := require.New(t)

	var got domain.Notification
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	// Given a notification without title nor body
	err := newTestWebhook(server.URL).Notify(context.Background(), domain.Notification{
		To:             "bob",
		SessionID:      "s-1",
		SenderUsername: "alice",
	})

	// Then the sender name and the generic text are used
	req.NoError(err)
	req.Equal("alice", got.Title)
	req.Equal(defaultBody, got.Body)
}

func TestWebhook_Notify_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown device", http.StatusNotFound)
	}))
	defer server.Close()

	tests := []struct {
		name         string
		notification domain.Notification
		wantErr      error
	}{
		{
			name:         "missing recipient",
			notification: domain.Notification{SessionID: "s-1"},
			wantErr:      errors.ErrNotificationRejected,
		},
		{
			name:         "gateway refuses",
			notification: domain.Notification{To: "bob", SessionID: "s-1"},
			wantErr:      errors.ErrNotificationRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestWebhook(server.URL).Notify(context.Background(), tt.notification)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	req := require.New(t)
	t.Setenv("NOTIFY_URL", "https://push.example.com/send")
	t.Setenv("NOTIFY_TIMEOUT", "3s")

	cfg, err := LoadConfig()

	req.NoError(err)
	req.True(cfg.Enabled())
	req.Equal(3*time.Second, cfg.Timeout)

	t.Setenv("NOTIFY_URL", "not a url")
	_, err = LoadConfig()
	req.Error(err)
}

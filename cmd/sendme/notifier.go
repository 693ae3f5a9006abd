package main

import (
	"log/slog"
	"sendme/notify"
	"sendme/runtime"
)

// notifierOptions turns on push notifications when NOTIFY_URL is set.
func notifierOptions(logger *slog.Logger) ([]runtime.CoordinatorOption, error) {
	cfg, err := notify.LoadConfig()
	if err != nil {
		return nil, configError{err}
	}
	if !cfg.Enabled() {
		logger.Debug("Push notifications disabled")
		return nil, nil
	}
	logger.Info("Push notifications enabled", "url", cfg.URL)
	return []runtime.CoordinatorOption{runtime.WithNotifier(notify.NewWebhook(logger, cfg))}, nil
}

/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package main

import (
	"os"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/autoloop/internal/notify"
)

// buildNotificationRouter creates a notification Router from environment
// variables, grounded on the teacher's cmd/legatorctl buildNotificationRouter.
// Returns nil if no channel is configured, the signal governance.Config's
// Notifier treats as "delivery disabled" rather than an error.
func buildNotificationRouter(log logr.Logger) *notify.Router {
	var routes notify.SeverityRoute
	hasChannels := false

	if url := os.Getenv("AUTOLOOP_NOTIFY_SLACK_WEBHOOK"); url != "" {
		ch := notify.NewSlackChannel(url, os.Getenv("AUTOLOOP_NOTIFY_SLACK_CHANNEL"))
		routes.Info = append(routes.Info, ch)
		routes.Warning = append(routes.Warning, ch)
		routes.Critical = append(routes.Critical, ch)
		hasChannels = true
	}

	if botToken, chatID := os.Getenv("AUTOLOOP_NOTIFY_TELEGRAM_TOKEN"), os.Getenv("AUTOLOOP_NOTIFY_TELEGRAM_CHAT_ID"); botToken != "" && chatID != "" {
		ch := notify.NewTelegramChannel(botToken, chatID)
		routes.Info = append(routes.Info, ch)
		routes.Warning = append(routes.Warning, ch)
		routes.Critical = append(routes.Critical, ch)
		hasChannels = true
	}

	if url := os.Getenv("AUTOLOOP_NOTIFY_WEBHOOK_URL"); url != "" {
		ch := notify.NewWebhookChannel(url, nil)
		routes.Info = append(routes.Info, ch)
		routes.Warning = append(routes.Warning, ch)
		routes.Critical = append(routes.Critical, ch)
		hasChannels = true
	}

	if !hasChannels {
		return nil
	}

	return notify.NewRouter(routes, notify.NewRateLimiter(100), log)
}

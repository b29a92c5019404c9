// Package telemetry provides a push-only Telegram notifier for operational
// events: circuit breaker state transitions and cleanup-orchestrator
// failures that an operator should see without tailing logs.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

const (
	telegramAPIURL = "https://api.telegram.org/bot%s/%s"
	requestTimeout = 10 * time.Second
)

var botInstance *TelegramBot

// TelegramBot pushes administrative alerts to one configured chat. It
// never polls for commands: there is no maintenance mode or statistics
// surface for an operator to query.
type TelegramBot struct {
	token  string
	chatID string
	client *http.Client
}

// InitializeBot creates the global notifier if both credentials are set; it
// is a no-op otherwise, matching the attachments service's graceful
// degradation convention.
func InitializeBot(token, chatID string) {
	if token == "" || chatID == "" {
		log.Println("[telemetry] admin alerts disabled: TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID not set")
		return
	}
	botInstance = &TelegramBot{token: token, chatID: chatID, client: &http.Client{Timeout: requestTimeout + 5*time.Second}}
	log.Println("[telemetry] admin alert bot initialized")
}

// GetBotInstance returns the global bot, or nil if telemetry is disabled.
func GetBotInstance() *TelegramBot { return botInstance }

// Send pushes a freeform message to the configured chat.
func Send(text string) {
	if botInstance == nil || text == "" {
		return
	}
	botInstance.sendMessage(text)
}

// NotifyBreakerStateChange reports a circuit breaker transition (component
// F's OnStateChange hook).
func NotifyBreakerStateChange(key, from, to string) {
	if botInstance == nil {
		return
	}
	emoji := "⚠️"
	if to == "open" {
		emoji = "🔴"
	} else if to == "closed" {
		emoji = "🟢"
	}
	Send(fmt.Sprintf("%s *circuit breaker %s*\n`%s` -> `%s`\n%s", emoji, key, from, to, getCurrentTime()))
}

// NotifyCleanupFailure reports a Cleanup Orchestrator (N) step that could
// not complete, so an operator can investigate a leaked connection.
func NotifyCleanupFailure(connectionID, step string, err error) {
	if botInstance == nil {
		return
	}
	Send(fmt.Sprintf("🔴 *cleanup failure*\nconnection: `%s`\nstep: %s\nerror: `%s`\n%s", connectionID, step, err.Error(), getCurrentTime()))
}

func (b *TelegramBot) sendMessage(text string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[telemetry] recovered from panic in sendMessage: %v", r)
			}
		}()

		payload, _ := json.Marshal(map[string]string{
			"chat_id":    b.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		})

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		url := fmt.Sprintf(telegramAPIURL, b.token, "sendMessage")
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
		if err != nil {
			log.Printf("[telemetry] error creating request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.client.Do(req)
		if err != nil {
			log.Printf("[telemetry] error sending message: %v", err)
			return
		}
		defer resp.Body.Close()
	}()
}

func getCurrentTime() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05 UTC")
}

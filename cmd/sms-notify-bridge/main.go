package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nexuspay/backend/internal/config"
	"github.com/nexuspay/backend/internal/db"
	"github.com/nexuspay/backend/internal/events"
	"go.uber.org/zap"
)

// SMS Notify Bridge — small service that subscribes to Redis events and
// forwards user-facing notifications to the SMS gateway. Keeps the SMS
// fanout out of the API and worker processes.

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)

	log.Info("sms-notify-bridge started", zap.String("gateway", cfg.SMSGatewayURL))

	_ = subscriber.Subscribe(ctx, events.StreamTransaction, func(event events.Event) {
		forwardToGateway(cfg.SMSGatewayURL, event, log)
	})

	_ = subscriber.Subscribe(ctx, events.StreamAdmin, func(event events.Event) {
		// Admin events carry no phone number unless flagged for SMS escalation.
		if event.Type != events.EventKPLCTokenTimeout {
			return
		}
		forwardToGateway(cfg.SMSGatewayURL, event, log)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down sms-notify-bridge")
	cancel()
}

func forwardToGateway(baseURL string, event events.Event, log *zap.Logger) {
	phone, _ := event.Payload["phone_number"].(string)
	if phone == "" {
		return
	}

	text, _ := event.Payload["text"].(string)
	if text == "" {
		text = messageForEvent(event)
	}
	if text == "" {
		return
	}

	body, _ := json.Marshal(map[string]any{
		"phone_number": phone,
		"text":         text,
	})

	url := fmt.Sprintf("%s/internal/notify", strings.TrimRight(baseURL, "/"))
	resp, err := http.Post(url, "application/json", strings.NewReader(string(body)))
	if err != nil {
		log.Warn("failed to forward notification", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn("sms gateway returned non-200",
			zap.Int("status", resp.StatusCode),
			zap.String("type", event.Type),
		)
		return
	}

	log.Info("notification forwarded", zap.String("type", event.Type))
}

// messageForEvent builds a default SMS body for events that don't carry
// prerendered text.
func messageForEvent(event events.Event) string {
	txID, _ := event.Payload["transaction_id"].(string)

	switch event.Type {
	case events.EventTransactionCompleted:
		return fmt.Sprintf("Your NexusPay transaction %s has completed.", txID)
	case events.EventTransactionFailed:
		return fmt.Sprintf("Your NexusPay transaction %s failed. Our team has been notified.", txID)
	case events.EventKPLCTokenTimeout:
		return fmt.Sprintf("Your electricity token for transaction %s is delayed. We are following up with KPLC.", txID)
	default:
		return ""
	}
}

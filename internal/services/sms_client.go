package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SMSClient talks to the internal SMS gateway that fronts the mobile
// network provider.
type SMSClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewSMSClient(baseURL string, log *zap.Logger) *SMSClient {
	return &SMSClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

type SMSTokenRequest struct {
	PhoneNumber   string    `json:"phone_number"`
	TokenMessage  string    `json:"token_message"`
	AccountNumber string    `json:"account_number"`
	Amount        float64   `json:"amount"`
	TransactionID string    `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// SendToken delivers an electricity token to the user's phone.
func (c *SMSClient) SendToken(ctx context.Context, req SMSTokenRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/internal/sms", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.Warn("sms gateway unavailable", zap.Error(err))
		return fmt.Errorf("sms gateway unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

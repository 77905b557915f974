package dto

// TokenWebhookRequest is the inbound payload from the KPLC payment
// processor. transactionId and phoneNumber are rarely present.
type TokenWebhookRequest struct {
	AccountNumber string  `json:"accountNumber"`
	Amount        float64 `json:"amount"`
	TokenMessage  string  `json:"tokenMessage"`
	TransactionID string  `json:"transactionId,omitempty"`
	PhoneNumber   string  `json:"phoneNumber,omitempty"`
	Timestamp     string  `json:"timestamp,omitempty"`
}

type SendTokenRequest struct {
	TransactionID string `json:"transactionId"`
}

type SimulateTokenRequest struct {
	TransactionID string `json:"transactionId"`
	TokenMessage  string `json:"tokenMessage"`
}

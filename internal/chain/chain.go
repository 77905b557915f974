package chain

import "context"

// Client executes on-chain transfers from the platform hot wallet.
// The queue is the only caller; tests substitute a fake.
type Client interface {
	// Transfer sends amount to the destination address and returns the
	// transaction hash once the transfer is accepted on-chain.
	Transfer(ctx context.Context, toAddress string, amount float64, tokenType string) (string, error)
}

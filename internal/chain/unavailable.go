package chain

import (
	"context"
	"fmt"
)

// Unavailable is a Client that fails every transfer. Used when the node
// connection could not be established, so queue cycles degrade into failed
// records (picked up once connectivity returns) instead of panics.
type Unavailable struct {
	Reason string
}

func (u Unavailable) Transfer(ctx context.Context, toAddress string, amount float64, tokenType string) (string, error) {
	return "", fmt.Errorf("chain client unavailable: %s", u.Reason)
}

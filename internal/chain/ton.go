package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/nexuspay/backend/internal/config"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"go.uber.org/zap"
)

// TONClient sends transfers from the platform hot wallet over the TON
// network via a lite server connection.
type TONClient struct {
	api    ton.APIClientWrapped
	wallet *wallet.Wallet
	log    *zap.Logger
}

// NewTONClient connects to the TON network and derives the hot wallet from
// the configured seed. If LITE_SERVER_HOST + LITE_SERVER_KEY are set it
// connects to that specific lite server, otherwise it auto-discovers lite
// servers from the global config for the configured network.
func NewTONClient(ctx context.Context, cfg *config.Config, log *zap.Logger) (*TONClient, error) {
	if cfg.PlatformWalletSeed == "" {
		return nil, fmt.Errorf("PLATFORM_WALLET_SEED is required")
	}

	client := liteclient.NewConnectionPool()

	if cfg.LiteServerHost != "" && cfg.LiteServerKey != "" {
		addr := fmt.Sprintf("%s:%d", cfg.LiteServerHost, cfg.LiteServerPort)
		log.Info("connecting to lite server", zap.String("addr", addr))
		if err := client.AddConnection(ctx, addr, cfg.LiteServerKey); err != nil {
			return nil, fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		var configURL string
		switch strings.ToLower(cfg.TONNetwork) {
		case "mainnet":
			configURL = "https://ton.org/global.config.json"
		default:
			configURL = "https://ton.org/testnet-global.config.json"
		}
		log.Info("connecting via global config", zap.String("url", configURL), zap.String("network", cfg.TONNetwork))
		if err := client.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return nil, fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	proofPolicy := ton.ProofCheckPolicyFast
	if strings.ToLower(cfg.TONNetwork) == "mainnet" {
		proofPolicy = ton.ProofCheckPolicySecure
	}
	api := ton.NewAPIClient(client, proofPolicy).WithRetry()

	w, err := wallet.FromSeed(api, strings.Fields(cfg.PlatformWalletSeed), wallet.V4R2)
	if err != nil {
		return nil, fmt.Errorf("derive hot wallet from seed: %w", err)
	}

	log.Info("platform hot wallet ready",
		zap.String("address", w.WalletAddress().String()),
		zap.String("network", cfg.TONNetwork),
	)

	return &TONClient{api: api, wallet: w, log: log}, nil
}

// Transfer sends amount TON to the destination and waits for the transaction
// to be accepted, returning its hash.
func (c *TONClient) Transfer(ctx context.Context, toAddress string, amount float64, tokenType string) (string, error) {
	dst, err := address.ParseAddr(toAddress)
	if err != nil {
		return "", fmt.Errorf("invalid destination address %q: %w", toAddress, err)
	}

	coins, err := tlb.FromTON(strconv.FormatFloat(amount, 'f', -1, 64))
	if err != nil {
		return "", fmt.Errorf("invalid transfer amount %v: %w", amount, err)
	}

	msg, err := c.wallet.BuildTransfer(dst, coins, false, tokenType)
	if err != nil {
		return "", fmt.Errorf("build transfer: %w", err)
	}

	tx, _, err := c.wallet.SendWaitTransaction(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("send transfer: %w", err)
	}

	hash := hex.EncodeToString(tx.Hash)
	c.log.Info("on-chain transfer accepted",
		zap.String("to", dst.String()),
		zap.String("amount", coins.String()),
		zap.String("tx_hash", hash),
	)
	return hash, nil
}

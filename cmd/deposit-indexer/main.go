package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nexuspay/backend/internal/config"
	"github.com/nexuspay/backend/internal/db"
	"github.com/nexuspay/backend/internal/events"
	"github.com/nexuspay/backend/internal/models"
	"github.com/nexuspay/backend/internal/repositories"
	"github.com/redis/go-redis/v9"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"go.uber.org/zap"
)

// Deposit indexer: watches the platform wallet for incoming on-chain
// deposits. Users funding a crypto-to-fiat withdrawal put their escrow
// transaction id in the transfer memo; once the deposit lands, the escrow
// advances to processing and the fiat payout leg takes over.

const (
	redisCursorLT   = "deposit-indexer:cursor:lt"
	redisCursorHash = "deposit-indexer:cursor:hash"
	redisProcessed  = "deposit-indexer:tx:"
	processedTTL    = 7 * 24 * time.Hour
	pollInterval    = 5 * time.Second
	txBatchSize     = 100
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.PlatformWalletAddress == "" {
		log.Fatal("PLATFORM_WALLET_ADDRESS is required")
	}

	platformWallet, err := address.ParseAddr(cfg.PlatformWalletAddress)
	if err != nil {
		log.Fatal("invalid PLATFORM_WALLET_ADDRESS", zap.String("addr", cfg.PlatformWalletAddress), zap.Error(err))
	}

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	escrowRepo := repositories.NewEscrowRepo(pool)
	publisher := events.NewRedisPublisher(rdb, log)

	tonAPI, err := connectToTON(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to TON network", zap.Error(err))
	}

	log.Info("deposit indexer started",
		zap.String("platform_wallet", platformWallet.String()),
		zap.String("network", cfg.TONNetwork),
	)

	initCursor(ctx, tonAPI, platformWallet, rdb, log)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			if err := pollAndProcess(ctx, tonAPI, platformWallet, escrowRepo, publisher, rdb, log); err != nil {
				log.Error("poll cycle failed", zap.Error(err))
			}
		case <-sigCh:
			log.Info("shutting down deposit indexer")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

// connectToTON establishes a connection to the TON network, either to a
// specific lite server or via auto-discovery from the global config.
func connectToTON(ctx context.Context, cfg *config.Config, log *zap.Logger) (ton.APIClientWrapped, error) {
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
	return api, nil
}

// initCursor sets the initial cursor position on first run so that only
// deposits arriving after startup are processed.
func initCursor(ctx context.Context, api ton.APIClientWrapped, addr *address.Address, rdb *redis.Client, log *zap.Logger) {
	existing, _ := rdb.Get(ctx, redisCursorLT).Result()
	if existing != "" {
		log.Info("resuming from saved cursor", zap.String("lt", existing))
		return
	}

	block, err := api.CurrentMasterchainInfo(ctx)
	if err != nil {
		log.Warn("failed to get master block for cursor init", zap.Error(err))
		rdb.Set(ctx, redisCursorLT, "0", 0)
		return
	}

	account, err := api.GetAccount(ctx, block, addr)
	if err != nil {
		log.Warn("failed to get account for cursor init", zap.Error(err))
		rdb.Set(ctx, redisCursorLT, "0", 0)
		return
	}

	if account == nil || !account.IsActive || account.LastTxLT == 0 {
		log.Info("platform wallet not active yet, starting from LT=0")
		rdb.Set(ctx, redisCursorLT, "0", 0)
		return
	}

	saveCursor(ctx, rdb, account.LastTxLT, account.LastTxHash)
	log.Info("cursor initialized at current account state",
		zap.Uint64("lt", account.LastTxLT),
		zap.String("hash", hex.EncodeToString(account.LastTxHash)),
	)
}

func loadCursorLT(ctx context.Context, rdb *redis.Client) uint64 {
	val, err := rdb.Get(ctx, redisCursorLT).Result()
	if err != nil || val == "" {
		return 0
	}
	lt, _ := strconv.ParseUint(val, 10, 64)
	return lt
}

func saveCursor(ctx context.Context, rdb *redis.Client, lt uint64, hash []byte) {
	rdb.Set(ctx, redisCursorLT, strconv.FormatUint(lt, 10), 0)
	rdb.Set(ctx, redisCursorHash, hex.EncodeToString(hash), 0)
}

// pollAndProcess runs a single poll cycle: fetch transactions newer than the
// cursor, process incoming deposits, advance the cursor.
func pollAndProcess(
	ctx context.Context,
	api ton.APIClientWrapped,
	addr *address.Address,
	escrowRepo *repositories.EscrowRepo,
	publisher events.Publisher,
	rdb *redis.Client,
	log *zap.Logger,
) error {
	cursorLT := loadCursorLT(ctx, rdb)

	block, err := api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return fmt.Errorf("get master block: %w", err)
	}

	account, err := api.GetAccount(ctx, block, addr)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}

	if account == nil || !account.IsActive || account.LastTxLT == 0 {
		return nil
	}
	if account.LastTxLT <= cursorLT {
		return nil
	}

	newTxs, err := fetchNewTransactions(ctx, api, addr, account, cursorLT)
	if err != nil {
		return fmt.Errorf("fetch transactions: %w", err)
	}

	if len(newTxs) > 0 {
		log.Info("found new transactions", zap.Int("count", len(newTxs)))
		for _, tx := range newTxs {
			processIncomingTx(ctx, tx, escrowRepo, publisher, rdb, log)
		}
	}

	saveCursor(ctx, rdb, account.LastTxLT, account.LastTxHash)
	return nil
}

// fetchNewTransactions retrieves all transactions with LT > cursorLT,
// paginating backwards until the cursor, returned in chronological order.
func fetchNewTransactions(
	ctx context.Context,
	api ton.APIClientWrapped,
	addr *address.Address,
	account *tlb.Account,
	cursorLT uint64,
) ([]*tlb.Transaction, error) {
	var allTxs []*tlb.Transaction

	lt := account.LastTxLT
	hash := account.LastTxHash

	for {
		txs, err := api.ListTransactions(ctx, addr, uint32(txBatchSize), lt, hash)
		if err != nil {
			return nil, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		if len(txs) == 0 {
			break
		}

		reachedCursor := false
		for _, tx := range txs {
			if tx.LT <= cursorLT {
				reachedCursor = true
				continue
			}
			allTxs = append(allTxs, tx)
		}

		if reachedCursor || len(txs) < txBatchSize {
			break
		}

		oldest := txs[0]
		if oldest.PrevTxLT == 0 {
			break
		}
		lt = oldest.PrevTxLT
		hash = oldest.PrevTxHash
	}

	sort.Slice(allTxs, func(i, j int) bool {
		return allTxs[i].LT < allTxs[j].LT
	})

	return allTxs, nil
}

// processIncomingTx matches a single incoming deposit to the escrow named
// in its memo and advances the record to processing.
func processIncomingTx(
	ctx context.Context,
	tx *tlb.Transaction,
	escrowRepo *repositories.EscrowRepo,
	publisher events.Publisher,
	rdb *redis.Client,
	log *zap.Logger,
) {
	if tx.IO.In == nil {
		return
	}

	inMsg, ok := tx.IO.In.Msg.(*tlb.InternalMessage)
	if !ok || inMsg == nil {
		return
	}
	if inMsg.Bounced {
		return
	}
	if inMsg.Amount.Nano().Sign() <= 0 {
		return
	}

	memo := strings.TrimSpace(extractComment(inMsg))
	if memo == "" {
		log.Debug("deposit without memo, skipping",
			zap.Uint64("lt", tx.LT),
			zap.String("from", inMsg.SrcAddr.String()),
			zap.String("amount", inMsg.Amount.String()),
		)
		return
	}

	// Idempotency: skip if already processed
	txKey := fmt.Sprintf("%s%d", redisProcessed, tx.LT)
	if rdb.Exists(ctx, txKey).Val() > 0 {
		return
	}

	log.Info("incoming deposit detected",
		zap.Uint64("lt", tx.LT),
		zap.String("from", inMsg.SrcAddr.String()),
		zap.String("amount", inMsg.Amount.String()),
		zap.String("memo", memo),
	)

	escrow, err := escrowRepo.GetByTransactionID(ctx, memo)
	if err != nil {
		log.Debug("no escrow found for memo", zap.String("memo", memo))
		rdb.Set(ctx, txKey, "no_escrow", processedTTL)
		return
	}

	if escrow.Type != models.TxTypeCryptoToFiat && escrow.Type != models.TxTypeBusinessCryptoToFiat {
		log.Debug("escrow is not a deposit-funded type",
			zap.String("memo", memo),
			zap.String("type", escrow.Type),
		)
		rdb.Set(ctx, txKey, "skip:"+escrow.Type, processedTTL)
		return
	}

	if escrow.Status != models.EscrowStatusPending {
		log.Debug("escrow not pending",
			zap.String("memo", memo),
			zap.String("status", escrow.Status),
		)
		rdb.Set(ctx, txKey, "skip:"+escrow.Status, processedTTL)
		return
	}

	expectedNano, err := parseTONToNano(escrow.CryptoAmount)
	if err != nil {
		log.Error("invalid expected amount in escrow",
			zap.String("transaction_id", escrow.TransactionID),
			zap.Float64("crypto_amount", escrow.CryptoAmount),
			zap.Error(err),
		)
		return
	}

	if inMsg.Amount.Nano().Cmp(expectedNano) < 0 {
		log.Warn("insufficient deposit — amount below expected",
			zap.String("transaction_id", escrow.TransactionID),
			zap.String("received", inMsg.Amount.String()),
			zap.Float64("expected", escrow.CryptoAmount),
		)
		// Don't mark as processed: the user may send the remainder
		return
	}

	// Advance pending -> reserved -> processing with the deposit attached.
	if claimed, err := escrowRepo.Claim(ctx, escrow.TransactionID); err != nil || !claimed {
		log.Error("failed to claim escrow for deposit",
			zap.String("transaction_id", escrow.TransactionID),
			zap.Error(err),
		)
		return
	}
	if _, err := escrowRepo.MarkProcessing(ctx, escrow.TransactionID); err != nil {
		log.Error("failed to mark escrow processing",
			zap.String("transaction_id", escrow.TransactionID),
			zap.Error(err),
		)
		return
	}

	fromAddr := inMsg.SrcAddr.String()
	txRef := strconv.FormatUint(tx.LT, 10)
	if err := escrowRepo.UpdateHash(ctx, escrow.TransactionID, txRef, map[string]any{
		"depositFrom": fromAddr,
	}); err != nil {
		log.Error("failed to attach deposit hash",
			zap.String("transaction_id", escrow.TransactionID),
			zap.Error(err),
		)
		return
	}

	_ = publisher.Publish(ctx, events.StreamTransaction, events.Event{
		Type: events.EventTransactionCompleted,
		Payload: map[string]any{
			"transaction_id": escrow.TransactionID,
			"stage":          "deposit_received",
			"tx_lt":          tx.LT,
			"amount":         inMsg.Amount.String(),
			"from":           fromAddr,
		},
	})

	rdb.Set(ctx, txKey, "processing:"+escrow.TransactionID, processedTTL)

	log.Info("deposit matched — escrow processing",
		zap.String("transaction_id", escrow.TransactionID),
		zap.Uint64("tx_lt", tx.LT),
		zap.String("from", fromAddr),
	)
}

// extractComment parses a text comment from an InternalMessage body.
// TON text comments have opcode 0x00000000 followed by UTF-8 text.
func extractComment(inMsg *tlb.InternalMessage) string {
	body := inMsg.Body
	if body == nil {
		return ""
	}

	slice := body.BeginParse()
	if slice.BitsLeft() < 32 {
		return ""
	}

	op, err := slice.LoadUInt(32)
	if err != nil || op != 0 {
		return ""
	}

	remaining := slice.BitsLeft()
	if remaining < 8 {
		return ""
	}

	data, err := slice.LoadSlice(remaining)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// parseTONToNano converts a TON amount to nanoTON (*big.Int).
// 1 TON = 1_000_000_000 nanoTON.
func parseTONToNano(amount float64) (*big.Int, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("non-positive TON amount")
	}

	tonStr := strconv.FormatFloat(amount, 'f', -1, 64)
	parts := strings.Split(tonStr, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid TON amount: %s", tonStr)
	}

	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}

	if len(frac) > 9 {
		frac = frac[:9]
	}
	for len(frac) < 9 {
		frac += "0"
	}

	nano, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid TON amount: %s", tonStr)
	}
	return nano, nil
}

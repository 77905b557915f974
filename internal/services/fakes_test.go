package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexuspay/backend/internal/config"
	"github.com/nexuspay/backend/internal/events"
	"github.com/nexuspay/backend/internal/models"
	"github.com/nexuspay/backend/internal/repositories"
	"github.com/redis/go-redis/v9"
)

// In-memory fakes for the service interfaces. Kept behaviour-faithful to the
// SQL repos where the services depend on it (claim semantics, merge
// semantics, ordering).

type fakeEscrowStore struct {
	mu      sync.Mutex
	records []*models.EscrowRecord
	dupOnce bool
	now     time.Time
}

func newFakeEscrowStore() *fakeEscrowStore {
	return &fakeEscrowStore{now: time.Now()}
}

func (f *fakeEscrowStore) add(e *models.EscrowRecord) *models.EscrowRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = f.now
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	f.records = append(f.records, e)
	return e
}

func (f *fakeEscrowStore) get(transactionID string) *models.EscrowRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.TransactionID == transactionID {
			return r
		}
	}
	return nil
}

func (f *fakeEscrowStore) Create(ctx context.Context, e *models.EscrowRecord) error {
	if f.dupOnce {
		f.dupOnce = false
		return repositories.ErrDuplicateTransactionID
	}
	if f.get(e.TransactionID) != nil {
		return repositories.ErrDuplicateTransactionID
	}
	f.add(e)
	return nil
}

func (f *fakeEscrowStore) GetByTransactionID(ctx context.Context, transactionID string) (*models.EscrowRecord, error) {
	if r := f.get(transactionID); r != nil {
		return r, nil
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeEscrowStore) GetMostRecentByAccountAndStatus(ctx context.Context, accountNumber, paybillNumber, status string) (*models.EscrowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *models.EscrowRecord
	for _, r := range f.records {
		if r.AccountNumber == nil || *r.AccountNumber != accountNumber {
			continue
		}
		if r.PaybillNumber == nil || *r.PaybillNumber != paybillNumber {
			continue
		}
		if r.Status != status {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, repositories.ErrNotFound
	}
	return best, nil
}

func (f *fakeEscrowStore) UpdateStatus(ctx context.Context, transactionID, newStatus string, metadataPatch map[string]any) error {
	r := f.get(transactionID)
	if r == nil {
		return repositories.ErrNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !models.IsValidTransition(r.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s", repositories.ErrInvalidTransition, r.Status, newStatus)
	}
	r.Status = newStatus
	for k, v := range metadataPatch {
		r.Metadata[k] = v
	}
	if newStatus == models.EscrowStatusCompleted && r.CompletedAt == nil {
		now := time.Now()
		r.CompletedAt = &now
	}
	return nil
}

func (f *fakeEscrowStore) UpdateHash(ctx context.Context, transactionID, txHash string, metadataPatch map[string]any) error {
	r := f.get(transactionID)
	if r == nil {
		return repositories.ErrNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r.CryptoTransactionHash = &txHash
	for k, v := range metadataPatch {
		r.Metadata[k] = v
	}
	return nil
}

func (f *fakeEscrowStore) MergeMetadata(ctx context.Context, transactionID string, metadataPatch map[string]any) error {
	r := f.get(transactionID)
	if r == nil {
		return repositories.ErrNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range metadataPatch {
		r.Metadata[k] = v
	}
	return nil
}

func (f *fakeEscrowStore) ListClaimable(ctx context.Context, limit int) ([]*models.EscrowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.EscrowRecord
	for _, r := range f.records {
		if r.Status == models.EscrowStatusPending && r.ToAddress != nil && r.CryptoTransactionHash == nil {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeEscrowStore) Claim(ctx context.Context, transactionID string) (bool, error) {
	r := f.get(transactionID)
	if r == nil {
		return false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Status != models.EscrowStatusPending {
		return false, nil
	}
	r.Status = models.EscrowStatusReserved
	return true, nil
}

func (f *fakeEscrowStore) MarkProcessing(ctx context.Context, transactionID string) (bool, error) {
	r := f.get(transactionID)
	if r == nil {
		return false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Status != models.EscrowStatusReserved {
		return false, nil
	}
	r.Status = models.EscrowStatusProcessing
	return true, nil
}

func (f *fakeEscrowStore) ClaimForRetry(ctx context.Context, maxRetries, limit int) ([]*models.EscrowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.EscrowRecord
	for _, r := range f.records {
		if r.Status != models.EscrowStatusFailed || r.RetryCount >= maxRetries {
			continue
		}
		r.Status = models.EscrowStatusReserved
		r.RetryCount++
		now := time.Now()
		r.LastRetryAt = &now
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeEscrowStore) ResetStuckProcessing(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.records {
		if r.Status == models.EscrowStatusProcessing && r.CryptoTransactionHash == nil {
			r.Status = models.EscrowStatusFailed
			r.Metadata["staleReset"] = true
			n++
		}
	}
	return n, nil
}

func (f *fakeEscrowStore) ListAwaitingToken(ctx context.Context, paybillNumber string, within time.Duration, limit int) ([]*models.EscrowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-within)
	var out []*models.EscrowRecord
	for _, r := range f.records {
		completed := r.Status == models.EscrowStatusCompleted
		executed := r.Status == models.EscrowStatusProcessing && r.CryptoTransactionHash != nil
		if !completed && !executed {
			continue
		}
		if r.PaybillNumber == nil || *r.PaybillNumber != paybillNumber {
			continue
		}
		if !r.MetaBool("kplcTokenExpected") || r.HasKPLCToken() {
			continue
		}
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeEscrowStore) KPLCStats(ctx context.Context, paybillNumber string) (*models.KPLCStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &models.KPLCStats{}
	for _, r := range f.records {
		if !r.IsKPLC(paybillNumber) {
			continue
		}
		s.TotalTransactions++
		if r.Status == models.EscrowStatusCompleted {
			s.CompletedTransactions++
		}
		if r.HasKPLCToken() {
			s.TokensReceived++
		} else if r.Status == models.EscrowStatusCompleted {
			s.PendingTokens++
		}
	}
	s.TokenSuccessRate = s.SuccessRate()
	return s, nil
}

type fakeTxLogStore struct {
	mu      sync.Mutex
	entries []*models.TransactionLogEntry
	failGet error
}

func (f *fakeTxLogStore) add(e *models.TransactionLogEntry) *models.TransactionLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	f.entries = append(f.entries, e)
	return e
}

func (f *fakeTxLogStore) find(id string) *models.TransactionLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.ID.String() == id {
			return e
		}
	}
	return nil
}

func (f *fakeTxLogStore) Create(ctx context.Context, l *models.TransactionLogEntry) error {
	f.add(l)
	return nil
}

func (f *fakeTxLogStore) GetUnrecoveredFailed(ctx context.Context, limit int) ([]*models.TransactionLogEntry, error) {
	if f.failGet != nil {
		return nil, f.failGet
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.TransactionLogEntry
	for _, e := range f.entries {
		if e.Status == models.TxLogStatusFailed && !e.RecoveryAttempted {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeTxLogStore) GetFailed(ctx context.Context, limit int) ([]*models.TransactionLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.TransactionLogEntry
	for _, e := range f.entries {
		if e.Status == models.TxLogStatusFailed {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeTxLogStore) MarkRecoveryAttempted(ctx context.Context, id string, metadataPatch map[string]any) error {
	e := f.find(id)
	if e == nil {
		return repositories.ErrNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e.RecoveryAttempted = true
	for k, v := range metadataPatch {
		e.Metadata[k] = v
	}
	return nil
}

func (f *fakeTxLogStore) MarkManualReview(ctx context.Context, id string) error {
	e := f.find(id)
	if e == nil {
		return repositories.ErrNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e.RecoveryAttempted = true
	e.RequiresManualReview = true
	return nil
}

func (f *fakeTxLogStore) Metrics(ctx context.Context, since time.Time) (*models.TransactionMetrics, error) {
	return &models.TransactionMetrics{
		CountByType:    map[string]int64{},
		FailuresByType: map[string]int64{},
	}, nil
}

type fakeUserStore struct {
	users map[uuid.UUID]*models.User
}

func (f *fakeUserStore) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, repositories.ErrNotFound
}

type fakeSMS struct {
	mu   sync.Mutex
	sent []SMSTokenRequest
	err  error
}

func (f *fakeSMS) SendToken(ctx context.Context, req SMSTokenRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, req)
	return nil
}

type enqueueCall struct {
	userID    uuid.UUID
	toAddress string
	amount    float64
	chain     string
	tokenType string
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueueCall
	txID  string
	err   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, userID uuid.UUID, toAddress string, amount float64, chainName, tokenType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, enqueueCall{userID, toAddress, amount, chainName, tokenType})
	if f.txID != "" {
		return f.txID, nil
	}
	return uuid.New().String(), nil
}

type publishedEvent struct {
	stream string
	event  events.Event
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakePublisher) Publish(ctx context.Context, stream string, event events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{stream, event})
	return nil
}

func (f *fakePublisher) byType(eventType string) []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedEvent
	for _, e := range f.events {
		if e.event.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeDeduper struct {
	mu    sync.Mutex
	keys  map[string]bool
	calls int
}

func (f *fakeDeduper) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.keys == nil {
		f.keys = map[string]bool{}
	}
	if f.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = true
	return redis.NewBoolResult(true, nil)
}

type fakeChain struct {
	mu    sync.Mutex
	hash  string
	err   error
	calls int
}

func (f *fakeChain) Transfer(ctx context.Context, toAddress string, amount float64, tokenType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.hash != "" {
		return f.hash, nil
	}
	return "deadbeef", nil
}

func testConfig() *config.Config {
	return &config.Config{
		Environment:       "development",
		KPLCPaybill:       "888880",
		KPLCTokenTimeout:  30 * time.Minute,
		KPLCTokenMaxAge:   24 * time.Hour,
		QueueBatchSize:    25,
		MaxRetryCount:     3,
		RecoveryBatchSize: 50,
		RecoveryMaxAge:    24 * time.Hour,
	}
}

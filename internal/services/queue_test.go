package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/nexuspay/backend/internal/events"
	"github.com/nexuspay/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newQueueFixture() (*Queue, *fakeEscrowStore, *fakeTxLogStore, *fakeChain, *fakePublisher) {
	escrows := newFakeEscrowStore()
	txstore := &fakeTxLogStore{}
	chainClient := &fakeChain{hash: "abc123"}
	pub := &fakePublisher{}
	txlog := NewTxLogger(txstore, pub, zap.NewNop())
	queue := NewQueue(escrows, txlog, chainClient, pub, testConfig(), zap.NewNop())
	return queue, escrows, txstore, chainClient, pub
}

func TestEnqueue(t *testing.T) {
	queue, escrows, _, _, _ := newQueueFixture()

	txID, err := queue.Enqueue(context.Background(), uuid.New(), "EQAAdest", 2.5, "ton", "TON")
	require.NoError(t, err)
	require.NotEmpty(t, txID)

	rec := escrows.get(txID)
	require.NotNil(t, rec)
	assert.Equal(t, models.EscrowStatusPending, rec.Status)
	assert.Equal(t, models.TxTypeTokenTransfer, rec.Type)
	assert.Equal(t, 2.5, rec.CryptoAmount)
	assert.True(t, rec.MetaBool("queued"))
}

func TestEnqueue_Validation(t *testing.T) {
	queue, _, _, _, _ := newQueueFixture()
	ctx := context.Background()

	_, err := queue.Enqueue(ctx, uuid.New(), "", 2.5, "ton", "TON")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = queue.Enqueue(ctx, uuid.New(), "EQAAdest", 0, "ton", "TON")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = queue.Enqueue(ctx, uuid.New(), "EQAAdest", 2.5, "", "TON")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestProcessQueue_CompletesTransfer(t *testing.T) {
	queue, escrows, txstore, chainClient, pub := newQueueFixture()
	ctx := context.Background()

	txID, err := queue.Enqueue(ctx, uuid.New(), "EQAAdest", 2.5, "ton", "TON")
	require.NoError(t, err)

	require.NoError(t, queue.ProcessQueue(ctx))

	rec := escrows.get(txID)
	assert.Equal(t, models.EscrowStatusCompleted, rec.Status)
	require.NotNil(t, rec.CryptoTransactionHash)
	assert.Equal(t, "abc123", *rec.CryptoTransactionHash)
	assert.Equal(t, 1, chainClient.calls)

	require.Len(t, txstore.entries, 1)
	assert.Equal(t, models.TxLogStatusCompleted, txstore.entries[0].Status)
	assert.Equal(t, models.TxLogTypePlatformToUser, txstore.entries[0].Type)

	assert.Len(t, pub.byType(events.EventTransactionCompleted), 1)
}

func TestProcessQueue_PaybillStaysProcessing(t *testing.T) {
	queue, escrows, _, _, _ := newQueueFixture()
	ctx := context.Background()

	paybill := "888880"
	account := "12345678"
	to := "EQAAsettlement"
	chain := "ton"
	token := "TON"
	rec := escrows.add(&models.EscrowRecord{
		TransactionID: uuid.New().String(),
		UserID:        uuid.New(),
		Amount:        1500,
		CryptoAmount:  5.2,
		Type:          models.TxTypeCryptoToPaybill,
		Status:        models.EscrowStatusPending,
		PaybillNumber: &paybill,
		AccountNumber: &account,
		ToAddress:     &to,
		Chain:         &chain,
		TokenType:     &token,
	})

	require.NoError(t, queue.ProcessQueue(ctx))

	// On-chain leg executed, but the fiat settlement and token delivery are
	// still outstanding.
	assert.Equal(t, models.EscrowStatusProcessing, rec.Status)
	require.NotNil(t, rec.CryptoTransactionHash)
}

func TestProcessQueue_FailureGoesToFailed(t *testing.T) {
	queue, escrows, txstore, chainClient, pub := newQueueFixture()
	chainClient.err = assert.AnError
	ctx := context.Background()

	txID, err := queue.Enqueue(ctx, uuid.New(), "EQAAdest", 2.5, "ton", "TON")
	require.NoError(t, err)

	require.NoError(t, queue.ProcessQueue(ctx))

	rec := escrows.get(txID)
	assert.Equal(t, models.EscrowStatusFailed, rec.Status)
	assert.NotEmpty(t, rec.MetaString("lastError"))

	require.Len(t, txstore.entries, 1)
	assert.Equal(t, models.TxLogStatusFailed, txstore.entries[0].Status)
	require.NotNil(t, txstore.entries[0].Error)

	assert.Len(t, pub.byType(events.EventTransactionFailed), 1)
}

func TestProcessRetries(t *testing.T) {
	queue, escrows, _, chainClient, _ := newQueueFixture()
	ctx := context.Background()

	// First pass fails, record lands in failed.
	chainClient.err = assert.AnError
	txID, err := queue.Enqueue(ctx, uuid.New(), "EQAAdest", 2.5, "ton", "TON")
	require.NoError(t, err)
	require.NoError(t, queue.ProcessQueue(ctx))

	rec := escrows.get(txID)
	require.Equal(t, models.EscrowStatusFailed, rec.Status)

	// Retry pass succeeds.
	chainClient.err = nil
	require.NoError(t, queue.ProcessRetries(ctx))

	assert.Equal(t, models.EscrowStatusCompleted, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestProcessRetries_RespectsRetryCeiling(t *testing.T) {
	queue, escrows, _, chainClient, _ := newQueueFixture()
	chainClient.err = assert.AnError
	ctx := context.Background()

	txID, err := queue.Enqueue(ctx, uuid.New(), "EQAAdest", 2.5, "ton", "TON")
	require.NoError(t, err)
	require.NoError(t, queue.ProcessQueue(ctx))

	// Exhaust the retry budget.
	for i := 0; i < 5; i++ {
		require.NoError(t, queue.ProcessRetries(ctx))
	}

	rec := escrows.get(txID)
	assert.Equal(t, models.EscrowStatusFailed, rec.Status)
	assert.Equal(t, testConfig().MaxRetryCount, rec.RetryCount)
	assert.Equal(t, 1+testConfig().MaxRetryCount, chainClient.calls)
}

func TestResetStuck(t *testing.T) {
	queue, escrows, _, _, _ := newQueueFixture()

	to := "EQAAdest"
	chain := "ton"
	token := "TON"
	stuck := escrows.add(&models.EscrowRecord{
		TransactionID: uuid.New().String(),
		UserID:        uuid.New(),
		CryptoAmount:  1,
		Type:          models.TxTypeTokenTransfer,
		Status:        models.EscrowStatusProcessing,
		ToAddress:     &to,
		Chain:         &chain,
		TokenType:     &token,
	})

	require.NoError(t, queue.ResetStuck(context.Background()))

	assert.Equal(t, models.EscrowStatusFailed, stuck.Status)
	assert.True(t, stuck.MetaBool("staleReset"))
}

func TestExecute_MissingFieldsFails(t *testing.T) {
	queue, escrows, txstore, chainClient, _ := newQueueFixture()
	ctx := context.Background()

	to := "EQAAdest"
	rec := escrows.add(&models.EscrowRecord{
		TransactionID: uuid.New().String(),
		UserID:        uuid.New(),
		CryptoAmount:  1,
		Type:          models.TxTypeTokenTransfer,
		Status:        models.EscrowStatusPending,
		ToAddress:     &to,
		// Chain and TokenType deliberately absent
	})

	require.NoError(t, queue.ProcessQueue(ctx))

	assert.Equal(t, models.EscrowStatusFailed, rec.Status)
	assert.Equal(t, 0, chainClient.calls)
	require.Len(t, txstore.entries, 1)
	assert.Equal(t, models.TxLogStatusFailed, txstore.entries[0].Status)
}

package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/nexuspay/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRecorderFixture() (*Recorder, *fakeEscrowStore) {
	escrows := newFakeEscrowStore()
	return NewRecorder(escrows, testConfig(), zap.NewNop()), escrows
}

func TestRecordFiatToCrypto(t *testing.T) {
	rec, escrows := newRecorderFixture()

	txID, err := rec.RecordFiatToCrypto(context.Background(), FiatToCryptoParams{
		UserID:       uuid.New(),
		Amount:       1000,
		CryptoAmount: 3.4,
		Chain:        "ton",
		TokenType:    "TON",
		ToAddress:    "EQAAdest",
		PhoneNumber:  "+254700000001",
	})
	require.NoError(t, err)

	stored := escrows.get(txID)
	require.NotNil(t, stored)
	assert.Equal(t, models.TxTypeFiatToCrypto, stored.Type)
	assert.Equal(t, models.EscrowStatusPending, stored.Status)
	assert.Equal(t, 1000.0, stored.Amount)
	assert.Equal(t, 3.4, stored.CryptoAmount)
	assert.NotEmpty(t, stored.MetaString("recordedAt"))
	assert.Nil(t, stored.CompletedAt)
}

func TestRecordFiatToCrypto_Validation(t *testing.T) {
	rec, _ := newRecorderFixture()
	ctx := context.Background()

	cases := []struct {
		name   string
		params FiatToCryptoParams
	}{
		{"missing user", FiatToCryptoParams{Amount: 1, CryptoAmount: 1, Chain: "ton", TokenType: "TON", ToAddress: "x"}},
		{"zero amount", FiatToCryptoParams{UserID: uuid.New(), CryptoAmount: 1, Chain: "ton", TokenType: "TON", ToAddress: "x"}},
		{"missing chain", FiatToCryptoParams{UserID: uuid.New(), Amount: 1, CryptoAmount: 1, TokenType: "TON", ToAddress: "x"}},
		{"missing destination", FiatToCryptoParams{UserID: uuid.New(), Amount: 1, CryptoAmount: 1, Chain: "ton", TokenType: "TON"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rec.RecordFiatToCrypto(ctx, tc.params)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestRecordCryptoToPaybill_KPLCFlag(t *testing.T) {
	rec, escrows := newRecorderFixture()
	ctx := context.Background()

	kplcID, err := rec.RecordCryptoToPaybill(ctx, CryptoToPaybillParams{
		UserID:        uuid.New(),
		Amount:        1500,
		CryptoAmount:  5.2,
		Chain:         "ton",
		TokenType:     "TON",
		PaybillNumber: "888880",
		AccountNumber: "12345678",
	})
	require.NoError(t, err)
	assert.True(t, escrows.get(kplcID).MetaBool("kplcTokenExpected"))

	otherID, err := rec.RecordCryptoToPaybill(ctx, CryptoToPaybillParams{
		UserID:        uuid.New(),
		Amount:        500,
		CryptoAmount:  1.7,
		Chain:         "ton",
		TokenType:     "TON",
		PaybillNumber: "400200",
		AccountNumber: "99",
	})
	require.NoError(t, err)
	assert.False(t, escrows.get(otherID).MetaBool("kplcTokenExpected"))
}

func TestRecordTokenTransfer_CompletedImmediately(t *testing.T) {
	rec, escrows := newRecorderFixture()

	txID, err := rec.RecordTokenTransfer(context.Background(), TokenTransferParams{
		UserID:          uuid.New(),
		CryptoAmount:    1.1,
		Chain:           "ton",
		TokenType:       "TON",
		FromAddress:     "EQAAfrom",
		ToAddress:       "EQAAto",
		TransactionHash: "cafe01",
	})
	require.NoError(t, err)

	stored := escrows.get(txID)
	assert.Equal(t, models.EscrowStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.CryptoTransactionHash)
	assert.Equal(t, "cafe01", *stored.CryptoTransactionHash)
}

func TestRecordPlatformOperation_CompletedImmediately(t *testing.T) {
	rec, escrows := newRecorderFixture()

	txID, err := rec.RecordPlatformOperation(context.Background(), PlatformOperationParams{
		CryptoAmount:    10,
		Chain:           "ton",
		TokenType:       "TON",
		TransactionHash: "cafe02",
		Operation:       "treasury_rebalance",
	})
	require.NoError(t, err)

	stored := escrows.get(txID)
	assert.Equal(t, models.EscrowStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, "treasury_rebalance", stored.MetaString("operation"))
}

func TestRecordBusinessTransfers(t *testing.T) {
	rec, escrows := newRecorderFixture()
	ctx := context.Background()

	params := BusinessTransferParams{
		UserID:       uuid.New(),
		BusinessID:   uuid.New(),
		Amount:       5000,
		CryptoAmount: 17.3,
		Chain:        "ton",
		TokenType:    "TON",
		PhoneNumber:  "+254700000002",
	}

	b2pID, err := rec.RecordBusinessToPersonal(ctx, params)
	require.NoError(t, err)
	stored := escrows.get(b2pID)
	assert.Equal(t, models.TxTypeBusinessToPersonal, stored.Type)
	require.NotNil(t, stored.BusinessID)
	assert.Equal(t, params.BusinessID, *stored.BusinessID)

	b2fID, err := rec.RecordBusinessCryptoToFiat(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, models.TxTypeBusinessCryptoToFiat, escrows.get(b2fID).Type)

	params.BusinessID = uuid.Nil
	_, err = rec.RecordBusinessToPersonal(ctx, params)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestInsert_RetriesOnDuplicateTransactionID(t *testing.T) {
	rec, escrows := newRecorderFixture()
	escrows.dupOnce = true

	txID, err := rec.RecordCryptoToFiat(context.Background(), CryptoToFiatParams{
		UserID:       uuid.New(),
		Amount:       800,
		CryptoAmount: 2.8,
		Chain:        "ton",
		TokenType:    "TON",
		PhoneNumber:  "+254700000003",
	})
	require.NoError(t, err)
	require.NotNil(t, escrows.get(txID))
	assert.Len(t, escrows.records, 1)
}

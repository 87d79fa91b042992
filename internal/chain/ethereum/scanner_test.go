package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"transactai/internal/reconciler"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	txs      map[common.Hash]*coretypes.Transaction
	pending  map[common.Hash]bool
	receipts map[common.Hash]*coretypes.Receipt
	head     uint64
	err      error
}

func (f *fakeChain) TransactionByHash(_ context.Context, hash common.Hash) (*coretypes.Transaction, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, gethcore.NotFound
	}
	return tx, f.pending[hash], nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	r, ok := f.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return r, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func transfer(nonce uint64, to common.Address, value int64) *coretypes.Transaction {
	return coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(value),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
}

func TestScannerLookup(t *testing.T) {
	ctx := context.Background()
	wallet := common.HexToAddress("0x52908400098527886E0F7030069857D2E4169EE7")

	mined := transfer(1, wallet, 1500)
	waiting := transfer(2, wallet, 10)
	reverted := transfer(3, wallet, 10)

	chain := &fakeChain{
		txs: map[common.Hash]*coretypes.Transaction{
			mined.Hash():    mined,
			waiting.Hash():  waiting,
			reverted.Hash(): reverted,
		},
		pending: map[common.Hash]bool{waiting.Hash(): true},
		receipts: map[common.Hash]*coretypes.Receipt{
			mined.Hash():    {Status: coretypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(95)},
			reverted.Hash(): {Status: coretypes.ReceiptStatusFailed, BlockNumber: big.NewInt(90)},
		},
		head: 100,
	}
	s := newScanner("atestfet", chain)

	obs, err := s.Lookup(ctx, mined.Hash().Hex())
	require.NoError(t, err)
	require.Equal(t, wallet.Hex(), obs.Wallet)
	require.Equal(t, int64(1500), obs.Amount)
	require.Equal(t, "atestfet", obs.Denom)
	require.Equal(t, 6, obs.Confirmations)

	obs, err = s.Lookup(ctx, waiting.Hash().Hex())
	require.NoError(t, err)
	require.Zero(t, obs.Confirmations)

	_, err = s.Lookup(ctx, reverted.Hash().Hex())
	require.ErrorIs(t, err, reconciler.ErrTxNotFound)

	_, err = s.Lookup(ctx, common.HexToHash("0x01").Hex())
	require.ErrorIs(t, err, reconciler.ErrTxNotFound)

	_, err = s.Lookup(ctx, "0xnothex")
	require.ErrorIs(t, err, reconciler.ErrTxNotFound)

	chain.err = errors.New("connection refused")
	_, err = s.Lookup(ctx, mined.Hash().Hex())
	require.Error(t, err)
	require.NotErrorIs(t, err, reconciler.ErrTxNotFound)
}

package ethereum

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"transactai/internal/reconciler"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to reach an EVM compatible node.
type Config struct {
	RPCURL string
	// Denom 链上原生币在账本中的面额名称
	Denom string
}

// chainReader mirrors the subset of ethclient used for deposit lookups.
type chainReader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Scanner 按需查询链上交易，换算确认数，实现 reconciler.Scanner
type Scanner struct {
	denom  string
	reader chainReader
	closer func()
	mu     sync.Mutex
}

var _ reconciler.Scanner = (*Scanner)(nil)

// NewScanner dials the configured RPC endpoint.
func NewScanner(ctx context.Context, cfg Config) (*Scanner, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)
	return &Scanner{denom: cfg.Denom, reader: eth, closer: eth.Close}, nil
}

func newScanner(denom string, reader chainReader) *Scanner {
	return &Scanner{denom: denom, reader: reader}
}

// Close releases the node connection.
func (s *Scanner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer != nil {
		s.closer()
		s.closer = nil
	}
}

// Lookup 返回一笔原生币转账的观察结果
//
// 未上链或已回滚的交易返回 reconciler.ErrTxNotFound；仍在交易池中的交易确认数为 0。
func (s *Scanner) Lookup(ctx context.Context, txHash string) (*reconciler.Observation, error) {
	if !isTxHash(txHash) {
		return nil, fmt.Errorf("%w: malformed hash %q", reconciler.ErrTxNotFound, txHash)
	}
	hash := common.HexToHash(txHash)

	tx, pending, err := s.reader.TransactionByHash(ctx, hash)
	if errors.Is(err, gethcore.NotFound) {
		return nil, reconciler.ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询交易失败: %w", err)
	}
	if tx.To() == nil {
		return nil, fmt.Errorf("%w: contract creation", reconciler.ErrTxNotFound)
	}
	if !tx.Value().IsInt64() || tx.Value().Sign() <= 0 {
		return nil, fmt.Errorf("%w: value %s out of range", reconciler.ErrTxNotFound, tx.Value())
	}

	obs := &reconciler.Observation{
		TxHash: txHash,
		Wallet: tx.To().Hex(),
		Amount: tx.Value().Int64(),
		Denom:  s.denom,
	}
	if pending {
		return obs, nil
	}

	receipt, err := s.reader.TransactionReceipt(ctx, hash)
	if errors.Is(err, gethcore.NotFound) {
		return obs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询交易回执失败: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: reverted", reconciler.ErrTxNotFound)
	}

	head, err := s.reader.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	if included := receipt.BlockNumber.Uint64(); head >= included {
		obs.Confirmations = int(head-included) + 1
	}
	return obs, nil
}

func isTxHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}

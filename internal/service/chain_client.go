package service

import (
	"context"

	"github.com/agrichain/agrichain-chain/internal/blockchain"
)

// ChainClient 业务层使用的区块链客户端能力
type ChainClient interface {
	Healthy(ctx context.Context) bool
	Configured() bool
	BreakerOpen() bool

	FetchEvents(ctx context.Context, fromBlock uint64) ([]blockchain.ContractEvent, uint64, error)
	MintBatch(ctx context.Context, batchID, metadataCID string) *blockchain.TxResult
	TransferOwnership(ctx context.Context, batchID, to string) *blockchain.TxResult
	VerifyTransaction(ctx context.Context, txHash string) *blockchain.TxVerification
	BatchHistory(ctx context.Context, batchID string) ([]blockchain.ContractEvent, bool)
}

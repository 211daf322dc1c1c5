// Package blockchain 封装与批次合约交互的以太坊客户端
package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agrichain/agrichain-chain/internal/config"
	"github.com/agrichain/agrichain-chain/internal/metrics"
	"github.com/agrichain/agrichain-chain/pkg/logger"
)

var (
	ErrCircuitOpen   = errors.New("blockchain circuit breaker open")
	ErrNotConfigured = errors.New("blockchain contract not configured")
)

// batchContractABI 批次合约 ABI (事件参数均为非索引，直接从 log data 解码)
const batchContractABI = `[
  {"type":"event","name":"BatchMinted","anonymous":false,"inputs":[
    {"name":"batchId","type":"string","indexed":false},
    {"name":"metadataCID","type":"string","indexed":false}]},
  {"type":"event","name":"OwnershipTransferred","anonymous":false,"inputs":[
    {"name":"batchId","type":"string","indexed":false},
    {"name":"from","type":"address","indexed":false},
    {"name":"to","type":"address","indexed":false}]},
  {"type":"function","name":"mintBatch","stateMutability":"nonpayable","inputs":[
    {"name":"batchId","type":"string"},
    {"name":"metadataCID","type":"string"}],"outputs":[]},
  {"type":"function","name":"transferOwnership","stateMutability":"nonpayable","inputs":[
    {"name":"batchId","type":"string"},
    {"name":"to","type":"address"}],"outputs":[]}
]`

const txGasLimit = 500000

// ContractEvent 解码后的合约事件
type ContractEvent struct {
	EventName   string            `json:"event_name"`
	TxHash      string            `json:"tx_hash"`
	LogIndex    int               `json:"log_index"`
	BlockNumber int64             `json:"block_number"`
	Args        map[string]string `json:"args"`
}

// TxResult 上链结果；链路不可用时返回 Mocked 结果，调用方不会得到错误
type TxResult struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber int64  `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
	Mocked      bool   `json:"mocked"`
}

// TxVerification 交易核验结果
type TxVerification struct {
	TxHash      string `json:"tx_hash"`
	Confirmed   bool   `json:"confirmed"`
	BlockNumber int64  `json:"block_number"`
	Mocked      bool   `json:"mocked"`
}

// Client 批次合约客户端
//
// 合约地址或私钥缺失时进入永久 mock 模式：写操作返回合成结果，
// 读操作返回空集，不报错。RPC 故障由熔断器短路。
type Client struct {
	eth         *ethclient.Client
	contractABI abi.ABI

	chainID     int64
	contract    common.Address
	hasContract bool
	privateKey  *ecdsa.PrivateKey
	sender      common.Address

	timeout time.Duration
	breaker *CircuitBreaker

	// 健康检查缓存
	healthMu  sync.Mutex
	healthOK  bool
	healthAt  time.Time
	healthTTL time.Duration
	now       func() time.Time
}

// NewClient 创建客户端
func NewClient(cfg *config.BlockchainConfig) (*Client, error) {
	parsedABI, err := abi.JSON(strings.NewReader(batchContractABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	c := &Client{
		contractABI: parsedABI,
		chainID:     cfg.ChainID,
		timeout:     time.Duration(cfg.RequestTimeout) * time.Second,
		breaker: NewCircuitBreaker(cfg.FailureThreshold,
			time.Duration(cfg.CooldownSeconds)*time.Second),
		healthTTL: time.Duration(cfg.HealthCacheTTL) * time.Second,
		now:       time.Now,
	}

	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		// 连不上 RPC 不是致命错误，客户端以 mock 模式启动
		logger.Warn("rpc dial failed, starting in mock mode",
			zap.String("rpc_url", cfg.RPCURL), zap.Error(err))
	} else {
		c.eth = eth
	}

	if cfg.ContractAddress != "" {
		if !common.IsHexAddress(cfg.ContractAddress) {
			return nil, fmt.Errorf("invalid contract address: %s", cfg.ContractAddress)
		}
		c.contract = common.HexToAddress(cfg.ContractAddress)
		c.hasContract = true
	} else {
		logger.Warn("contract address not configured, chain writes are mocked")
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		c.privateKey = key
		c.sender = crypto.PubkeyToAddress(key.PublicKey)
	}

	return c, nil
}

// Configured 链上写路径是否完整配置
func (c *Client) Configured() bool {
	return c.eth != nil && c.hasContract && c.privateKey != nil
}

// readable 链上读路径是否可用
func (c *Client) readable() bool {
	return c.eth != nil && c.hasContract
}

// callCtx 带 RPC 超时的子 context
func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Healthy 节点存活探测，结果缓存一个 TTL 窗口；任何失败都返回 false，不报错
func (c *Client) Healthy(ctx context.Context) bool {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	if !c.healthAt.IsZero() && c.now().Sub(c.healthAt) < c.healthTTL {
		return c.healthOK
	}

	ok := c.probe(ctx)
	c.healthOK = ok
	c.healthAt = c.now()
	return ok
}

func (c *Client) probe(ctx context.Context) bool {
	if c.eth == nil {
		return false
	}
	if !c.breaker.Allow() {
		metrics.RecordChainRPC("eth_blockNumber", "short_circuited")
		return false
	}

	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	head, err := c.eth.BlockNumber(callCtx)
	if err != nil {
		c.breaker.RecordFailure()
		metrics.RecordChainRPC("eth_blockNumber", "failed")
		return false
	}

	c.breaker.RecordSuccess()
	metrics.RecordChainRPC("eth_blockNumber", "success")
	metrics.UpdateChainHead(head)
	return true
}

// FetchEvents 拉取 [fromBlock, latest] 区间内的批次合约事件
//
// 成功返回 latest+1 作为下一游标；无新区块或任何失败均返回原 fromBlock，
// 保证游标不会跳过未拉取的区间
func (c *Client) FetchEvents(ctx context.Context, fromBlock uint64) ([]ContractEvent, uint64, error) {
	if !c.readable() {
		return nil, fromBlock, nil
	}
	if !c.breaker.Allow() {
		metrics.RecordChainRPC("eth_getLogs", "short_circuited")
		return nil, fromBlock, ErrCircuitOpen
	}

	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	latest, err := c.eth.BlockNumber(callCtx)
	if err != nil {
		c.breaker.RecordFailure()
		metrics.RecordChainRPC("eth_blockNumber", "failed")
		return nil, fromBlock, fmt.Errorf("get latest block: %w", err)
	}
	metrics.UpdateChainHead(latest)

	if latest < fromBlock {
		c.breaker.RecordSuccess()
		return nil, fromBlock, nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(latest),
		Addresses: []common.Address{c.contract},
		Topics: [][]common.Hash{{
			c.contractABI.Events["BatchMinted"].ID,
			c.contractABI.Events["OwnershipTransferred"].ID,
		}},
	}

	logs, err := c.eth.FilterLogs(callCtx, query)
	if err != nil {
		c.breaker.RecordFailure()
		metrics.RecordChainRPC("eth_getLogs", "failed")
		return nil, fromBlock, fmt.Errorf("filter logs: %w", err)
	}

	c.breaker.RecordSuccess()
	metrics.RecordChainRPC("eth_getLogs", "success")

	events := make([]ContractEvent, 0, len(logs))
	for _, lg := range logs {
		event, err := c.decodeLog(lg)
		if err != nil {
			logger.Warn("skip undecodable log",
				zap.String("tx_hash", lg.TxHash.Hex()),
				zap.Uint("log_index", lg.Index),
				zap.Error(err))
			continue
		}
		events = append(events, event)
	}

	return events, latest + 1, nil
}

// decodeLog 将链上日志解码为事件
func (c *Client) decodeLog(lg types.Log) (ContractEvent, error) {
	if len(lg.Topics) == 0 {
		return ContractEvent{}, errors.New("log without topics")
	}

	var eventName string
	for name, ev := range c.contractABI.Events {
		if ev.ID == lg.Topics[0] {
			eventName = name
			break
		}
	}
	if eventName == "" {
		return ContractEvent{}, fmt.Errorf("unknown event topic %s", lg.Topics[0].Hex())
	}

	values := map[string]interface{}{}
	if err := c.contractABI.UnpackIntoMap(values, eventName, lg.Data); err != nil {
		return ContractEvent{}, fmt.Errorf("unpack %s: %w", eventName, err)
	}

	args := make(map[string]string, len(values))
	for k, v := range values {
		args[k] = argToString(v)
	}

	return ContractEvent{
		EventName:   eventName,
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    int(lg.Index),
		BlockNumber: int64(lg.BlockNumber),
		Args:        args,
	}, nil
}

func argToString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case common.Address:
		return val.Hex()
	case common.Hash:
		return val.Hex()
	case *big.Int:
		return val.String()
	case []byte:
		return common.Bytes2Hex(val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// MintBatch 批次上链铸造；任何失败都降级为 mock 结果
func (c *Client) MintBatch(ctx context.Context, batchID, metadataCID string) *TxResult {
	return c.sendTx(ctx, "mint", func() ([]byte, error) {
		return c.contractABI.Pack("mintBatch", batchID, metadataCID)
	})
}

// TransferOwnership 批次所有权链上流转；任何失败都降级为 mock 结果
func (c *Client) TransferOwnership(ctx context.Context, batchID, to string) *TxResult {
	return c.sendTx(ctx, "transfer", func() ([]byte, error) {
		if !common.IsHexAddress(to) {
			return nil, fmt.Errorf("invalid to address: %s", to)
		}
		return c.contractABI.Pack("transferOwnership", batchID, common.HexToAddress(to))
	})
}

// sendTx 构造、签名、广播交易并等待上链
func (c *Client) sendTx(ctx context.Context, txType string, packData func() ([]byte, error)) *TxResult {
	start := c.now()

	if !c.Configured() || !c.breaker.Allow() {
		return c.mockTxResult(txType)
	}

	result, err := c.trySendTx(ctx, packData)
	if err != nil {
		c.breaker.RecordFailure()
		logger.Warn("chain tx failed, returning mock result",
			zap.String("type", txType), zap.Error(err))
		return c.mockTxResult(txType)
	}

	c.breaker.RecordSuccess()
	metrics.RecordChainTx(txType, false, c.now().Sub(start).Seconds())
	return result
}

func (c *Client) trySendTx(ctx context.Context, packData func() ([]byte, error)) (*TxResult, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	data, err := packData()
	if err != nil {
		return nil, fmt.Errorf("pack calldata: %w", err)
	}

	nonce, err := c.eth.PendingNonceAt(callCtx, c.sender)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}

	gasPrice, err := c.eth.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      txGasLimit,
		To:       &c.contract,
		Data:     data,
	})

	signer := types.LatestSignerForChainID(big.NewInt(c.chainID))
	signedTx, err := types.SignTx(tx, signer, c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}

	if err := c.eth.SendTransaction(callCtx, signedTx); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}

	receipt, err := c.waitReceipt(callCtx, signedTx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("tx %s reverted", signedTx.Hash().Hex())
	}

	return &TxResult{
		TxHash:      signedTx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Int64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

// waitReceipt 轮询等待交易回执，受 callCtx 超时约束
func (c *Client) waitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("get receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait receipt %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// mockTxResult 合成的降级上链结果
func (c *Client) mockTxResult(txType string) *TxResult {
	metrics.RecordChainTx(txType, true, 0)
	return &TxResult{
		TxHash: crypto.Keccak256Hash([]byte(uuid.NewString())).Hex(),
		Mocked: true,
	}
}

// VerifyTransaction 核验交易回执；链路不可用时降级为已确认的 mock 结果
func (c *Client) VerifyTransaction(ctx context.Context, txHash string) *TxVerification {
	if c.eth == nil || !c.breaker.Allow() {
		return &TxVerification{TxHash: txHash, Confirmed: true, Mocked: true}
	}

	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	receipt, err := c.eth.TransactionReceipt(callCtx, common.HexToHash(txHash))
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			c.breaker.RecordFailure()
			return &TxVerification{TxHash: txHash, Confirmed: true, Mocked: true}
		}
		c.breaker.RecordSuccess()
		return &TxVerification{TxHash: txHash, Confirmed: false}
	}

	c.breaker.RecordSuccess()
	return &TxVerification{
		TxHash:      txHash,
		Confirmed:   receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Int64(),
	}
}

// BatchHistory 全量扫描某个批次的链上事件；失败时返回空历史并标记降级
func (c *Client) BatchHistory(ctx context.Context, batchID string) ([]ContractEvent, bool) {
	events, _, err := c.FetchEvents(ctx, 0)
	if err != nil || !c.readable() {
		return []ContractEvent{}, true
	}

	history := make([]ContractEvent, 0, 4)
	for _, ev := range events {
		if ev.Args["batchId"] == batchID {
			history = append(history, ev)
		}
	}
	return history, false
}

// BreakerOpen 熔断器是否打开 (健康聚合用)
func (c *Client) BreakerOpen() bool {
	return c.breaker.Open()
}

// Close 关闭底层 RPC 连接
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

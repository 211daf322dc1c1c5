package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// 合约事件名
const (
	EventBatchMinted          = "BatchMinted"
	EventOwnershipTransferred = "OwnershipTransferred"
)

// EventStatus 链上事件处理状态
type EventStatus int8

const (
	EventStatusPending    EventStatus = 0 // 已入库，等待处理
	EventStatusProcessing EventStatus = 1 // 处理中
	EventStatusCompleted  EventStatus = 2 // 处理完成 (终态)
	EventStatusFailed     EventStatus = 3 // 处理失败，等待重试或已隔离
)

func (s EventStatus) String() string {
	switch s {
	case EventStatusPending:
		return "PENDING"
	case EventStatusProcessing:
		return "PROCESSING"
	case EventStatusCompleted:
		return "COMPLETED"
	case EventStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// BlockchainEvent 链上事件记录
//
// (tx_hash, log_index) 唯一，保证同一条链上日志只入库一次
type BlockchainEvent struct {
	ID          int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	TxHash      string      `gorm:"column:tx_hash;type:varchar(66);uniqueIndex:uk_events_tx_log;not null" json:"tx_hash"`
	LogIndex    int         `gorm:"column:log_index;type:int;uniqueIndex:uk_events_tx_log;not null" json:"log_index"`
	EventName   string      `gorm:"column:event_name;type:varchar(64);not null" json:"event_name"`
	BlockNumber int64       `gorm:"column:block_number;type:bigint;index;not null" json:"block_number"`
	ArgsJSON    string      `gorm:"column:args_json;type:text;not null" json:"args_json"`
	Status      EventStatus `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	RetryCount  int         `gorm:"column:retry_count;type:int;not null;default:0" json:"retry_count"`
	// NextRetryAt 下次重试时间 (毫秒)；FAILED 且为 NULL 表示已隔离 (毒丸)
	NextRetryAt *int64 `gorm:"column:next_retry_at;type:bigint" json:"next_retry_at"`
	LastError   string `gorm:"column:last_error;type:varchar(512)" json:"last_error"`
	ProcessedAt int64  `gorm:"column:processed_at;type:bigint" json:"processed_at"`
	CreatedAt   int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt   int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (BlockchainEvent) TableName() string {
	return "blockchain_events"
}

// Poisoned 是否已隔离：FAILED 且无下次重试时间
func (e *BlockchainEvent) Poisoned() bool {
	return e.Status == EventStatusFailed && e.NextRetryAt == nil
}

// EventArgs 事件参数的封闭变体，按事件名解析为具体类型
type EventArgs interface {
	eventArgs()
}

// MintArgs BatchMinted 事件参数
type MintArgs struct {
	BatchID     string
	MetadataCID string
}

// TransferArgs OwnershipTransferred 事件参数
type TransferArgs struct {
	BatchID string
	From    string
	To      string
}

// UnknownArgs 未识别事件的原始参数 (向前兼容)
type UnknownArgs struct {
	EventName string
	Raw       map[string]string
}

func (MintArgs) eventArgs()     {}
func (TransferArgs) eventArgs() {}
func (UnknownArgs) eventArgs()  {}

// ParseEventArgs 解析事件参数
//
// 已识别事件缺失或非法的 batchId / 地址视为永久性数据错误
func ParseEventArgs(eventName string, raw map[string]string) (EventArgs, error) {
	switch eventName {
	case EventBatchMinted:
		batchID, err := parseBatchID(raw)
		if err != nil {
			return nil, err
		}
		return MintArgs{
			BatchID:     batchID,
			MetadataCID: raw["metadataCID"],
		}, nil

	case EventOwnershipTransferred:
		batchID, err := parseBatchID(raw)
		if err != nil {
			return nil, err
		}
		to := strings.TrimSpace(raw["to"])
		if to == "" {
			return nil, fmt.Errorf("event %s: missing to address", eventName)
		}
		return TransferArgs{
			BatchID: batchID,
			From:    strings.TrimSpace(raw["from"]),
			To:      to,
		}, nil

	default:
		return UnknownArgs{EventName: eventName, Raw: raw}, nil
	}
}

func parseBatchID(raw map[string]string) (string, error) {
	batchID := strings.TrimSpace(raw["batchId"])
	if batchID == "" {
		return "", fmt.Errorf("missing batchId")
	}
	if _, err := uuid.Parse(batchID); err != nil {
		return "", fmt.Errorf("malformed batchId %q: %w", batchID, err)
	}
	return batchID, nil
}

// BatchEventMessage 应用成功后发送到 Kafka 的消息
type BatchEventMessage struct {
	EventName   string `json:"event_name"`
	BatchID     string `json:"batch_id"`
	TxHash      string `json:"tx_hash"`
	BlockNumber int64  `json:"block_number"`
	LogIndex    int    `json:"log_index"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	MetadataCID string `json:"metadata_cid,omitempty"`
	AppliedAt   int64  `json:"applied_at"`
}

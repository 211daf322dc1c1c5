package model

import "github.com/shopspring/decimal"

// BatchStatus 批次状态
type BatchStatus int8

const (
	BatchStatusCreated   BatchStatus = 0 // 已创建 (已上链或 mock 上链)
	BatchStatusInTransit BatchStatus = 1 // 运输中
	BatchStatusDelivered BatchStatus = 2 // 已送达
	BatchStatusReceived  BatchStatus = 3 // 已签收
	BatchStatusRejected  BatchStatus = 4 // 已拒收
)

func (s BatchStatus) String() string {
	switch s {
	case BatchStatusCreated:
		return "CREATED"
	case BatchStatusInTransit:
		return "IN_TRANSIT"
	case BatchStatusDelivered:
		return "DELIVERED"
	case BatchStatusReceived:
		return "RECEIVED"
	case BatchStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Batch 农产品批次
type Batch struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchID        string          `gorm:"column:batch_id;type:varchar(36);uniqueIndex;not null" json:"batch_id"`
	BatchCode      string          `gorm:"column:batch_code;type:varchar(64);uniqueIndex;not null" json:"batch_code"`
	CropType       string          `gorm:"column:crop_type;type:varchar(64);not null" json:"crop_type"`
	Quantity       decimal.Decimal `gorm:"column:quantity;type:decimal(18,3);not null" json:"quantity"`
	Unit           string          `gorm:"column:unit;type:varchar(16);not null" json:"unit"`
	HarvestDate    int64           `gorm:"column:harvest_date;type:bigint" json:"harvest_date"`
	OriginLocation string          `gorm:"column:origin_location;type:varchar(128)" json:"origin_location"`
	FarmerID       string          `gorm:"column:farmer_id;type:varchar(36);index;not null" json:"farmer_id"`
	CurrentOwnerID string          `gorm:"column:current_owner_id;type:varchar(36);index;not null" json:"current_owner_id"`
	MetadataCID    string          `gorm:"column:metadata_cid;type:varchar(128)" json:"metadata_cid"`
	// BlockchainTxHash 创建或最近一次流转对应的链上交易哈希，未上链时为 NULL
	BlockchainTxHash *string     `gorm:"column:blockchain_tx_hash;type:varchar(66)" json:"blockchain_tx_hash"`
	Status           BatchStatus `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	CreatedAt        int64       `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt        int64       `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Batch) TableName() string {
	return "batches"
}

// OnChainTxHash 返回已记录的链上交易哈希，未记录返回空串
func (b *Batch) OnChainTxHash() string {
	if b.BlockchainTxHash == nil {
		return ""
	}
	return *b.BlockchainTxHash
}

package service

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/agrichain/agrichain-chain/internal/blockchain"
	"github.com/agrichain/agrichain-chain/internal/cache"
	"github.com/agrichain/agrichain-chain/internal/model"
	"github.com/agrichain/agrichain-chain/internal/repository"
)

type batchFixture struct {
	svc       *BatchService
	batchRepo *fakeBatchRepo
	userRepo  *fakeUserRepo
	chain     *mockChainClient
	cache     *fakeBatchCache
}

func setupBatchService(t *testing.T) *batchFixture {
	t.Helper()
	f := &batchFixture{
		batchRepo: newFakeBatchRepo(),
		userRepo:  newFakeUserRepo(),
		chain:     &mockChainClient{},
		cache:     newFakeBatchCache(),
	}
	f.svc = NewBatchService(f.batchRepo, f.userRepo, f.chain,
		&fakeMetadataStore{cid: "QmMetaCID"}, f.cache)

	require.NoError(t, f.userRepo.Create(context.Background(), &model.User{
		UserID:        "farmer-1",
		Name:          "Farmer",
		Email:         "farmer@example.com",
		Role:          model.UserRoleFarmer,
		WalletAddress: "0xAAA0000000000000000000000000000000000001",
	}))
	require.NoError(t, f.userRepo.Create(context.Background(), &model.User{
		UserID:        "dist-1",
		Name:          "Distributor",
		Email:         "dist@example.com",
		Role:          model.UserRoleDistributor,
		WalletAddress: testWallet,
	}))
	return f
}

// TestCreateBatch 测试批次创建
func TestCreateBatch(t *testing.T) {
	f := setupBatchService(t)
	ctx := context.Background()

	f.chain.On("MintBatch", mock.Anything, mock.Anything, "QmMetaCID").
		Return(&blockchain.TxResult{TxHash: testTxHash, BlockNumber: 120}).Once()

	batch, err := f.svc.CreateBatch(ctx, &CreateBatchRequest{
		FarmerID:       "farmer-1",
		CropType:       "coffee",
		Quantity:       decimal.NewFromFloat(120.5),
		Unit:           "kg",
		OriginLocation: "Yirgacheffe",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, batch.BatchID)
	assert.Equal(t, "farmer-1", batch.CurrentOwnerID)
	assert.Equal(t, "QmMetaCID", batch.MetadataCID)
	assert.Equal(t, testTxHash, batch.OnChainTxHash())
	assert.Equal(t, model.BatchStatusCreated, batch.Status)

	stored, err := f.batchRepo.GetByBatchID(ctx, batch.BatchID, nil)
	require.NoError(t, err)
	assert.Equal(t, batch.BatchCode, stored.BatchCode)

	f.chain.AssertExpectations(t)
}

// TestCreateBatch_MockedChainTolerated 测试链路降级时创建依然成功
func TestCreateBatch_MockedChainTolerated(t *testing.T) {
	f := setupBatchService(t)

	f.chain.On("MintBatch", mock.Anything, mock.Anything, mock.Anything).
		Return(&blockchain.TxResult{TxHash: "0xmockhash", Mocked: true}).Once()

	batch, err := f.svc.CreateBatch(context.Background(), &CreateBatchRequest{
		FarmerID: "farmer-1",
		CropType: "coffee",
		Quantity: decimal.NewFromInt(10),
		Unit:     "kg",
	})
	require.NoError(t, err)
	assert.Equal(t, "0xmockhash", batch.OnChainTxHash())
}

// TestCreateBatch_Validation 测试创建校验
func TestCreateBatch_Validation(t *testing.T) {
	f := setupBatchService(t)
	ctx := context.Background()

	t.Run("non-positive quantity", func(t *testing.T) {
		_, err := f.svc.CreateBatch(ctx, &CreateBatchRequest{
			FarmerID: "farmer-1",
			Quantity: decimal.Zero,
		})
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	})

	t.Run("unknown farmer", func(t *testing.T) {
		_, err := f.svc.CreateBatch(ctx, &CreateBatchRequest{
			FarmerID: "ghost",
			Quantity: decimal.NewFromInt(1),
		})
		assert.ErrorIs(t, err, repository.ErrUserNotFound)
	})
}

// TestTransferBatch 测试批次流转
func TestTransferBatch(t *testing.T) {
	f := setupBatchService(t)
	ctx := context.Background()

	f.chain.On("MintBatch", mock.Anything, mock.Anything, mock.Anything).
		Return(&blockchain.TxResult{TxHash: testTxHash}).Once()
	batch, err := f.svc.CreateBatch(ctx, &CreateBatchRequest{
		FarmerID: "farmer-1",
		CropType: "coffee",
		Quantity: decimal.NewFromInt(10),
		Unit:     "kg",
	})
	require.NoError(t, err)

	// 预热缓存，验证流转后失效
	_, err = f.svc.GetBatch(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Len(t, f.cache.entries, 1)

	transferTx := "0x1111111111111111111111111111111111111111111111111111111111111111"
	f.chain.On("TransferOwnership", mock.Anything, batch.BatchID, testWallet).
		Return(&blockchain.TxResult{TxHash: transferTx}).Once()

	updated, err := f.svc.TransferBatch(ctx, batch.BatchID, "farmer-1", "dist-1")
	require.NoError(t, err)

	assert.Equal(t, "dist-1", updated.CurrentOwnerID)
	assert.Equal(t, model.BatchStatusInTransit, updated.Status)
	assert.Equal(t, transferTx, updated.OnChainTxHash())
	assert.Empty(t, f.cache.entries)

	t.Run("not the owner", func(t *testing.T) {
		_, err := f.svc.TransferBatch(ctx, batch.BatchID, "farmer-1", "dist-1")
		assert.ErrorIs(t, err, ErrNotBatchOwner)
	})

	t.Run("unknown target", func(t *testing.T) {
		_, err := f.svc.TransferBatch(ctx, batch.BatchID, "dist-1", "ghost")
		assert.ErrorIs(t, err, repository.ErrUserNotFound)
	})

	f.chain.AssertExpectations(t)
}

// TestGetBatch_CacheReadThrough 测试读穿缓存
func TestGetBatch_CacheReadThrough(t *testing.T) {
	f := setupBatchService(t)
	ctx := context.Background()

	require.NoError(t, f.batchRepo.Create(ctx, &model.Batch{
		BatchID:        testBatchID,
		BatchCode:      "BATCH-1700000000-A1B2",
		CurrentOwnerID: "farmer-1",
	}))

	first, err := f.svc.GetBatch(ctx, testBatchID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.cache.hits)

	second, err := f.svc.GetBatch(ctx, testBatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.cache.hits)
	assert.Equal(t, first.BatchID, second.BatchID)

	_, err = f.svc.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrBatchNotFound)
}

// TestBatchHistory 测试链上历史查询
func TestBatchHistory(t *testing.T) {
	f := setupBatchService(t)
	ctx := context.Background()

	require.NoError(t, f.batchRepo.Create(ctx, &model.Batch{BatchID: testBatchID}))

	history := []blockchain.ContractEvent{
		{EventName: model.EventBatchMinted, BlockNumber: 120},
	}
	f.chain.On("BatchHistory", mock.Anything, testBatchID).Return(history, false).Once()

	events, mocked, err := f.svc.BatchHistory(ctx, testBatchID)
	require.NoError(t, err)
	assert.False(t, mocked)
	assert.Len(t, events, 1)

	t.Run("unknown batch", func(t *testing.T) {
		_, _, err := f.svc.BatchHistory(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrBatchNotFound)
	})
}

// TestGenerateBatchCode 测试批次编号格式
func TestGenerateBatchCode(t *testing.T) {
	code := GenerateBatchCode(time.Unix(1700000000, 0))
	assert.Regexp(t, regexp.MustCompile(`^BATCH-1700000000-[0-9A-F]{4}$`), code)

	// 同一时刻的编号也互不相同
	other := GenerateBatchCode(time.Unix(1700000000, 0))
	assert.NotEqual(t, code, other)
}

// TestBatchCacheKey 测试缓存键
func TestBatchCacheKey(t *testing.T) {
	assert.Equal(t, "batch:abc", cache.BatchKey("abc"))
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/agrichain/agrichain-chain/internal/blockchain"
	"github.com/agrichain/agrichain-chain/internal/model"
	"github.com/agrichain/agrichain-chain/internal/repository"
)

// fakeEventRepo 内存版事件仓储，语义与 PostgreSQL 实现一致
type fakeEventRepo struct {
	mu      sync.Mutex
	seq     int64
	events  map[int64]*model.BlockchainEvent
	byKey   map[string]int64
	ceiling int
	now     func() time.Time
	// upsertErr 注入一次性入库故障，消费后清除
	upsertErr error
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{
		events:  make(map[int64]*model.BlockchainEvent),
		byKey:   make(map[string]int64),
		ceiling: 5,
		now:     time.Now,
	}
}

func eventKey(txHash string, logIndex int) string {
	return fmt.Sprintf("%s:%d", txHash, logIndex)
}

func (f *fakeEventRepo) Upsert(ctx context.Context, event *model.BlockchainEvent) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.upsertErr != nil {
		err := f.upsertErr
		f.upsertErr = nil
		return 0, false, err
	}

	key := eventKey(event.TxHash, event.LogIndex)
	if id, ok := f.byKey[key]; ok {
		return id, false, nil
	}

	f.seq++
	stored := *event
	stored.ID = f.seq
	stored.Status = model.EventStatusPending
	stored.CreatedAt = f.now().UnixMilli()
	stored.UpdatedAt = stored.CreatedAt
	f.events[f.seq] = &stored
	f.byKey[key] = f.seq
	return f.seq, true, nil
}

func (f *fakeEventRepo) GetByID(ctx context.Context, id int64) (*model.BlockchainEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return nil, repository.ErrEventNotFound
	}
	snapshot := *ev
	return &snapshot, nil
}

func (f *fakeEventRepo) BeginProcessing(ctx context.Context, id int64) (*model.BlockchainEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ev, ok := f.events[id]
	if !ok {
		return nil, repository.ErrEventNotFound
	}

	nowMs := f.now().UnixMilli()
	switch ev.Status {
	case model.EventStatusCompleted:
		return nil, nil
	case model.EventStatusFailed:
		if ev.NextRetryAt == nil || *ev.NextRetryAt > nowMs {
			return nil, nil
		}
	}

	ev.Status = model.EventStatusProcessing
	ev.UpdatedAt = nowMs
	snapshot := *ev
	return &snapshot, nil
}

func (f *fakeEventRepo) MarkCompleted(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return repository.ErrEventNotFound
	}
	nowMs := f.now().UnixMilli()
	ev.Status = model.EventStatusCompleted
	ev.ProcessedAt = nowMs
	ev.NextRetryAt = nil
	ev.LastError = ""
	ev.UpdatedAt = nowMs
	return nil
}

func (f *fakeEventRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return repository.ErrEventNotFound
	}
	nowMs := f.now().UnixMilli()
	ev.Status = model.EventStatusFailed
	ev.RetryCount++
	ev.LastError = reason
	ev.UpdatedAt = nowMs
	if ev.RetryCount >= f.ceiling {
		ev.NextRetryAt = nil
	} else {
		exp := ev.RetryCount
		if exp > 8 {
			exp = 8
		}
		next := nowMs + (int64(1)<<uint(exp))*1000
		ev.NextRetryAt = &next
	}
	return nil
}

func (f *fakeEventRepo) MarkPoisoned(ctx context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return repository.ErrEventNotFound
	}
	ev.Status = model.EventStatusFailed
	ev.NextRetryAt = nil
	ev.LastError = reason
	ev.UpdatedAt = f.now().UnixMilli()
	return nil
}

func (f *fakeEventRepo) RetriableEvents(ctx context.Context, limit int) ([]*model.BlockchainEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nowMs := f.now().UnixMilli()
	var due []*model.BlockchainEvent
	for _, ev := range f.events {
		if ev.Status == model.EventStatusFailed && ev.NextRetryAt != nil && *ev.NextRetryAt <= nowMs {
			snapshot := *ev
			due = append(due, &snapshot)
		}
	}
	// (block_number, log_index) 排序
	for i := 0; i < len(due); i++ {
		for j := i + 1; j < len(due); j++ {
			if due[j].BlockNumber < due[i].BlockNumber ||
				(due[j].BlockNumber == due[i].BlockNumber && due[j].LogIndex < due[i].LogIndex) {
				due[i], due[j] = due[j], due[i]
			}
		}
	}
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (f *fakeEventRepo) BacklogSize(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, ev := range f.events {
		switch ev.Status {
		case model.EventStatusPending, model.EventStatusProcessing:
			count++
		case model.EventStatusFailed:
			if ev.NextRetryAt != nil {
				count++
			}
		}
	}
	return count, nil
}

func (f *fakeEventRepo) LastProcessedBlock(ctx context.Context) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max int64
	found := false
	for _, ev := range f.events {
		if ev.Status == model.EventStatusCompleted && (!found || ev.BlockNumber > max) {
			max = ev.BlockNumber
			found = true
		}
	}
	return max, found, nil
}

func (f *fakeEventRepo) ListPoisoned(ctx context.Context, page *repository.Pagination) ([]*model.BlockchainEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.BlockchainEvent
	for _, ev := range f.events {
		if ev.Status == model.EventStatusFailed && ev.NextRetryAt == nil {
			snapshot := *ev
			out = append(out, &snapshot)
		}
	}
	return out, nil
}

func (f *fakeEventRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// fakeBatchRepo 内存版批次仓储
type fakeBatchRepo struct {
	mu      sync.Mutex
	batches map[string]*model.Batch
}

func newFakeBatchRepo() *fakeBatchRepo {
	return &fakeBatchRepo{batches: make(map[string]*model.Batch)}
}

func (f *fakeBatchRepo) Create(ctx context.Context, batch *model.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.batches[batch.BatchID]; ok {
		return repository.ErrDuplicateBatch
	}
	stored := *batch
	f.batches[batch.BatchID] = &stored
	return nil
}

func (f *fakeBatchRepo) GetByBatchID(ctx context.Context, batchID string, opts *repository.QueryOptions) (*model.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch, ok := f.batches[batchID]
	if !ok {
		return nil, repository.ErrBatchNotFound
	}
	snapshot := *batch
	return &snapshot, nil
}

func (f *fakeBatchRepo) GetByBatchCode(ctx context.Context, batchCode string) (*model.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		if b.BatchCode == batchCode {
			snapshot := *b
			return &snapshot, nil
		}
	}
	return nil, repository.ErrBatchNotFound
}

func (f *fakeBatchRepo) Update(ctx context.Context, batch *model.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.batches[batch.BatchID]; !ok {
		return repository.ErrBatchNotFound
	}
	stored := *batch
	f.batches[batch.BatchID] = &stored
	return nil
}

func (f *fakeBatchRepo) UpdateChainState(ctx context.Context, batchID string, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch, ok := f.batches[batchID]
	if !ok {
		return repository.ErrBatchNotFound
	}
	for col, val := range updates {
		switch col {
		case "status":
			batch.Status = val.(model.BatchStatus)
		case "blockchain_tx_hash":
			hash := val.(string)
			batch.BlockchainTxHash = &hash
		case "current_owner_id":
			batch.CurrentOwnerID = val.(string)
		case "metadata_cid":
			batch.MetadataCID = val.(string)
		}
	}
	batch.UpdatedAt = time.Now().UnixMilli()
	return nil
}

func (f *fakeBatchRepo) ListByOwner(ctx context.Context, ownerID string, page *repository.Pagination) ([]*model.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Batch
	for _, b := range f.batches {
		if b.CurrentOwnerID == ownerID {
			snapshot := *b
			out = append(out, &snapshot)
		}
	}
	return out, nil
}

func (f *fakeBatchRepo) CountByStatus(ctx context.Context, status model.BatchStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, b := range f.batches {
		if b.Status == status {
			count++
		}
	}
	return count, nil
}

// fakeUserRepo 内存版用户仓储
type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*model.User)}
}

func (f *fakeUserRepo) Create(ctx context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.UserID]; ok {
		return repository.ErrDuplicateUser
	}
	stored := *user
	stored.WalletAddress = strings.ToLower(stored.WalletAddress)
	f.users[user.UserID] = &stored
	return nil
}

func (f *fakeUserRepo) GetByUserID(ctx context.Context, userID string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	snapshot := *user
	return &snapshot, nil
}

func (f *fakeUserRepo) GetByWalletAddress(ctx context.Context, wallet string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	needle := strings.ToLower(wallet)
	for _, user := range f.users {
		if user.WalletAddress == needle {
			snapshot := *user
			return &snapshot, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (f *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == strings.ToLower(email) {
			snapshot := *user
			return &snapshot, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

// fakePublisher 记录已发布消息
type fakePublisher struct {
	mu       sync.Mutex
	messages []*model.BatchEventMessage
	err      error
}

func (f *fakePublisher) PublishBatchEvent(ctx context.Context, event *model.BatchEventMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, event)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// mockChainClient 模拟区块链客户端
type mockChainClient struct {
	mock.Mock
}

func (m *mockChainClient) Healthy(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *mockChainClient) Configured() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockChainClient) BreakerOpen() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockChainClient) FetchEvents(ctx context.Context, fromBlock uint64) ([]blockchain.ContractEvent, uint64, error) {
	args := m.Called(ctx, fromBlock)
	var events []blockchain.ContractEvent
	if args.Get(0) != nil {
		events = args.Get(0).([]blockchain.ContractEvent)
	}
	return events, args.Get(1).(uint64), args.Error(2)
}

func (m *mockChainClient) MintBatch(ctx context.Context, batchID, metadataCID string) *blockchain.TxResult {
	args := m.Called(ctx, batchID, metadataCID)
	return args.Get(0).(*blockchain.TxResult)
}

func (m *mockChainClient) TransferOwnership(ctx context.Context, batchID, to string) *blockchain.TxResult {
	args := m.Called(ctx, batchID, to)
	return args.Get(0).(*blockchain.TxResult)
}

func (m *mockChainClient) VerifyTransaction(ctx context.Context, txHash string) *blockchain.TxVerification {
	args := m.Called(ctx, txHash)
	return args.Get(0).(*blockchain.TxVerification)
}

func (m *mockChainClient) BatchHistory(ctx context.Context, batchID string) ([]blockchain.ContractEvent, bool) {
	args := m.Called(ctx, batchID)
	var events []blockchain.ContractEvent
	if args.Get(0) != nil {
		events = args.Get(0).([]blockchain.ContractEvent)
	}
	return events, args.Bool(1)
}

// fakeMetadataStore 固定 CID 的元数据存储
type fakeMetadataStore struct {
	cid    string
	mocked bool
	err    error
}

func (f *fakeMetadataStore) UploadJSON(ctx context.Context, value interface{}) (string, bool, error) {
	return f.cid, f.mocked, f.err
}

// fakeBatchCache 内存版批次缓存
type fakeBatchCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	hits    int
	deletes int
}

func newFakeBatchCache() *fakeBatchCache {
	return &fakeBatchCache{entries: make(map[string][]byte)}
}

func (f *fakeBatchCache) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.entries[key]
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false
	}
	f.hits++
	return true
}

func (f *fakeBatchCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	f.entries[key] = data
}

func (f *fakeBatchCache) Delete(ctx context.Context, keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.entries, key)
		f.deletes++
	}
}

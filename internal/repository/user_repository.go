package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/agrichain/agrichain-chain/internal/model"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrDuplicateUser = errors.New("duplicate user")
)

// UserRepository 用户仓储接口
type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	GetByUserID(ctx context.Context, userID string) (*model.User, error)
	// GetByWalletAddress 按钱包地址查找，大小写不敏感
	GetByWalletAddress(ctx context.Context, wallet string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
}

// userRepository 用户仓储实现
type userRepository struct {
	*Repository
}

// NewUserRepository 创建用户仓储
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{
		Repository: NewRepository(db),
	}
}

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	now := time.Now().UnixMilli()
	user.CreatedAt = now
	user.UpdatedAt = now
	// 钱包地址统一小写存储
	user.WalletAddress = strings.ToLower(user.WalletAddress)

	err := r.DB(ctx).Create(user).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicateUser
	}
	return err
}

func (r *userRepository) GetByUserID(ctx context.Context, userID string) (*model.User, error) {
	var user model.User
	err := r.DB(ctx).Where("user_id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByWalletAddress(ctx context.Context, wallet string) (*model.User, error) {
	var user model.User
	err := r.DB(ctx).
		Where("LOWER(wallet_address) = ?", strings.ToLower(wallet)).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	err := r.DB(ctx).Where("email = ?", strings.ToLower(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

package model

// UserRole 用户角色
type UserRole int8

const (
	UserRoleFarmer      UserRole = 0 // 农户
	UserRoleDistributor UserRole = 1 // 经销商
	UserRoleRetailer    UserRole = 2 // 零售商
	UserRoleConsumer    UserRole = 3 // 消费者
)

func (r UserRole) String() string {
	switch r {
	case UserRoleFarmer:
		return "FARMER"
	case UserRoleDistributor:
		return "DISTRIBUTOR"
	case UserRoleRetailer:
		return "RETAILER"
	case UserRoleConsumer:
		return "CONSUMER"
	default:
		return "UNKNOWN"
	}
}

// User 用户
type User struct {
	ID     int64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID string   `gorm:"column:user_id;type:varchar(36);uniqueIndex;not null" json:"user_id"`
	Name   string   `gorm:"column:name;type:varchar(64);not null" json:"name"`
	Email  string   `gorm:"column:email;type:varchar(128);uniqueIndex;not null" json:"email"`
	Phone  string   `gorm:"column:phone;type:varchar(32)" json:"phone"`
	Role   UserRole `gorm:"column:role;type:smallint;not null;default:0" json:"role"`
	// WalletAddress 链上钱包地址，小写存储
	WalletAddress string `gorm:"column:wallet_address;type:varchar(42);uniqueIndex;not null" json:"wallet_address"`
	Verified      bool   `gorm:"column:verified;not null;default:false" json:"verified"`
	CreatedAt     int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt     int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (User) TableName() string {
	return "users"
}

package model

import (
	"time"
)

// ClientSubscription 客户当前订阅表
// add_ons 为 JSON 数组 [{"add_on_id":"...","quantity":n}]
type ClientSubscription struct {
	ClientSubscriptionID string    `gorm:"primaryKey;type:varchar(36)"`
	ClientID             string    `gorm:"uniqueIndex;type:varchar(36);not null"`
	TierID               string    `gorm:"type:varchar(32);not null"`
	AddOns               string    `gorm:"type:json"`
	// PendingTierID 降级延迟生效：下个账期切换到的档位（空表示无待生效变更）
	PendingTierID string    `gorm:"type:varchar(32)"`
	PendingAddOns string    `gorm:"type:json"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (ClientSubscription) TableName() string {
	return "client_subscription"
}

// SubscriptionChange 订阅变更审计表
// 状态机 pending -> processing -> completed/failed/cancelled
type SubscriptionChange struct {
	SubscriptionChangeID string    `gorm:"primaryKey;type:varchar(36)"`
	ClientID             string    `gorm:"type:varchar(36);not null;index"`
	OldTierID            string    `gorm:"type:varchar(32);not null"`
	NewTierID            string    `gorm:"type:varchar(32);not null"`
	OldAddOns            string    `gorm:"type:json"`
	NewAddOns            string    `gorm:"type:json"`
	ProratedAmount       float64   `gorm:"type:decimal(12,2);default:0.00"`
	NextCycleAmount      float64   `gorm:"type:decimal(12,2);default:0.00"`
	DiscountAmount       float64   `gorm:"type:decimal(12,2);default:0.00"` // 新手包升级优惠抵扣
	EffectiveAt          time.Time `gorm:"not null"`
	// Deferred 是否延迟到下个账期生效（降级）
	Deferred      bool      `gorm:"default:false"`
	Status        string    `gorm:"type:enum('pending','processing','completed','failed','cancelled');not null;default:'pending'"`
	FailureReason string    `gorm:"type:varchar(255)"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (SubscriptionChange) TableName() string {
	return "subscription_change"
}

package model

import (
	"time"
)

// CreditPurchase 积分包购买订单表（幂等性保证）
// payment_id 唯一索引保证同一笔支付回调只入账一次；
// 新手包升级优惠的资格判定也基于本表（已到账的 starter 包 + 14 天窗口）
type CreditPurchase struct {
	PurchaseOrderID string    `gorm:"primaryKey;type:varchar(64)"`
	ClientID        string    `gorm:"type:varchar(36);not null;index"`
	PackageID       string    `gorm:"type:varchar(32);not null;index"`
	Amount          float64   `gorm:"type:decimal(12,2);not null"`
	InvoiceID       string    `gorm:"type:varchar(64);index"`
	PaymentID       string    `gorm:"type:varchar(64);uniqueIndex"` // 计费处理器的支付流水号
	Status          string    `gorm:"type:enum('pending','fulfilled','failed');not null;default:'pending'"`
	FulfilledAt     *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (CreditPurchase) TableName() string {
	return "credit_purchase"
}

// PromoBonus 新手包升级优惠记录表
// client_id 唯一索引保证每客户至多一次（存在即已使用，天然幂等）
type PromoBonus struct {
	PromoBonusID         string    `gorm:"primaryKey;type:varchar(36)"`
	ClientID             string    `gorm:"uniqueIndex;type:varchar(36);not null"`
	PurchaseOrderID      string    `gorm:"type:varchar(64);not null"`
	SubscriptionChangeID string    `gorm:"type:varchar(36)"`
	Amount               float64   `gorm:"type:decimal(12,2);not null"` // 抵扣额 = 新手包价格
	CreatedAt            time.Time `gorm:"autoCreateTime"`
}

// TableName 指定表名
func (PromoBonus) TableName() string {
	return "promo_bonus"
}

package model

import (
	"time"
)

// ClientBalance 客户余额表（反范式缓存，账本为唯一事实来源）
// 每个客户一行，四种积分类型各一列，对账可整体覆写
type ClientBalance struct {
	ClientBalanceID string    `gorm:"primaryKey;type:varchar(36)"`
	ClientID        string    `gorm:"uniqueIndex;type:varchar(36);not null"`
	LeadBalance     float64   `gorm:"type:decimal(12,2);default:0.00"`
	EmailBalance    float64   `gorm:"type:decimal(12,2);default:0.00"`
	LinkedinBalance float64   `gorm:"type:decimal(12,2);default:0.00"`
	AbmBalance      float64   `gorm:"type:decimal(12,2);default:0.00"`
	LeadMax         float64   `gorm:"type:decimal(12,2);default:0.00"` // 0 表示不设上限
	EmailMax        float64   `gorm:"type:decimal(12,2);default:0.00"`
	LinkedinMax     float64   `gorm:"type:decimal(12,2);default:0.00"`
	AbmMax          float64   `gorm:"type:decimal(12,2);default:0.00"`
	AllowOverdraft  bool      `gorm:"default:false"`
	OverdraftLimit  float64   `gorm:"type:decimal(12,2);default:0.00"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (ClientBalance) TableName() string {
	return "client_balance"
}

// BalanceOf 按积分类型取余额
func (b *ClientBalance) BalanceOf(creditType string) float64 {
	switch creditType {
	case "lead":
		return b.LeadBalance
	case "email":
		return b.EmailBalance
	case "linkedin":
		return b.LinkedinBalance
	case "abm":
		return b.AbmBalance
	}
	return 0
}

// SetBalance 按积分类型写余额
func (b *ClientBalance) SetBalance(creditType string, v float64) {
	switch creditType {
	case "lead":
		b.LeadBalance = v
	case "email":
		b.EmailBalance = v
	case "linkedin":
		b.LinkedinBalance = v
	case "abm":
		b.AbmBalance = v
	}
}

// BalanceColumn 积分类型对应的余额列名
func BalanceColumn(creditType string) string {
	switch creditType {
	case "lead":
		return "lead_balance"
	case "email":
		return "email_balance"
	case "linkedin":
		return "linkedin_balance"
	case "abm":
		return "abm_balance"
	}
	return ""
}

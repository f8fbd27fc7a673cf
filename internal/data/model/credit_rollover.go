package model

import (
	"time"
)

// CreditRollover 积分结转表
// 月末关闭账期时为未用完的 lead/email 新增积分创建，
// expires_at = 源账期起始 + 3 个月，过期由定时清扫处理（禁止读路径惰性判定）
type CreditRollover struct {
	CreditRolloverID string    `gorm:"primaryKey;type:varchar(36)"`
	ClientID         string    `gorm:"type:varchar(36);not null;index:idx_client_status,priority:1;uniqueIndex:uk_client_source_type,priority:1"`
	CreditType       string    `gorm:"type:enum('lead','email');not null;uniqueIndex:uk_client_source_type,priority:3"`
	SourceMonth      string    `gorm:"type:varchar(7);not null;uniqueIndex:uk_client_source_type,priority:2"` // 2026-08
	TargetMonth      string    `gorm:"type:varchar(7);not null"`
	AmountRolled     float64   `gorm:"type:decimal(12,2);not null"`
	AmountUsed       float64   `gorm:"type:decimal(12,2);default:0.00"`
	AmountExpired    float64   `gorm:"type:decimal(12,2);default:0.00"`
	ExpiresAt        time.Time `gorm:"not null;index"`
	Status           string    `gorm:"type:enum('active','expired','fully_used');not null;default:'active';index:idx_client_status,priority:2"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (CreditRollover) TableName() string {
	return "credit_rollover"
}

// Remaining 剩余可用结转额
func (r *CreditRollover) Remaining() float64 {
	return r.AmountRolled - r.AmountUsed
}

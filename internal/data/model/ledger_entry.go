package model

import (
	"time"
)

// LedgerEntry 积分账本流水表（append-only，completed 后内容不可变）
// 唯一允许的原地修改：状态流转，以及修补路径对 running_total 的修正
type LedgerEntry struct {
	LedgerEntryID       string    `gorm:"primaryKey;type:varchar(36)"`
	IdempotencyKey      string    `gorm:"uniqueIndex;type:varchar(128);not null"`
	ClientID            string    `gorm:"type:varchar(36);not null;index:idx_client_type_time,priority:1"`
	CreditType          string    `gorm:"type:enum('lead','email','linkedin','abm');not null;index:idx_client_type_time,priority:2"`
	DebitAmount         float64   `gorm:"type:decimal(12,2);default:0.00"`
	CreditAmount        float64   `gorm:"type:decimal(12,2);default:0.00"`
	NetAmount           float64   `gorm:"type:decimal(12,2);not null"` // credit - debit
	TransactionType     string    `gorm:"type:enum('purchase','usage','bonus','rollover','correction','reversal');not null"`
	BalanceAfter        float64   `gorm:"type:decimal(12,2);not null"`
	RunningTotal        float64   `gorm:"type:decimal(14,2);not null"` // 同 (client, credit_type) 的累计净额
	Status              string    `gorm:"type:enum('pending','completed','failed','reversed');not null;default:'completed'"`
	ParentTransactionID string    `gorm:"type:varchar(36);index"` // 冲正/修正指向源流水
	SystemGenerated     bool      `gorm:"default:false"`
	BatchID             string    `gorm:"type:varchar(64);index"`
	CreatedAt           time.Time `gorm:"autoCreateTime;index:idx_client_type_time,priority:3"`
}

// TableName 指定表名
func (LedgerEntry) TableName() string {
	return "ledger_entry"
}

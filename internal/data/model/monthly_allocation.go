package model

import (
	"time"
)

// MonthlyAllocation 月度额度表（每客户每账期一行）
// 账期内消耗计数随用量更新，月末关闭并触发 lead/email 结转
type MonthlyAllocation struct {
	MonthlyAllocationID string `gorm:"primaryKey;type:varchar(36)"`
	ClientID            string `gorm:"type:varchar(36);not null;uniqueIndex:uk_client_month,priority:1"`
	Month               string `gorm:"type:varchar(7);not null;uniqueIndex:uk_client_month,priority:2"` // 2026-08

	// 基础档位发放
	BaseLead     float64 `gorm:"type:decimal(12,2);default:0.00"`
	BaseEmail    float64 `gorm:"type:decimal(12,2);default:0.00"`
	BaseLinkedin float64 `gorm:"type:decimal(12,2);default:0.00"`
	BaseAbm      float64 `gorm:"type:decimal(12,2);default:0.00"`

	// 加购包发放
	AddOnLead     float64 `gorm:"type:decimal(12,2);default:0.00"`
	AddOnEmail    float64 `gorm:"type:decimal(12,2);default:0.00"`
	AddOnLinkedin float64 `gorm:"type:decimal(12,2);default:0.00"`
	AddOnAbm      float64 `gorm:"type:decimal(12,2);default:0.00"`

	// 上期结转入账（仅 lead/email 会非零）
	RolloverInLead  float64 `gorm:"type:decimal(12,2);default:0.00"`
	RolloverInEmail float64 `gorm:"type:decimal(12,2);default:0.00"`

	// 账期内消耗计数
	UsedLead     float64 `gorm:"type:decimal(12,2);default:0.00"`
	UsedEmail    float64 `gorm:"type:decimal(12,2);default:0.00"`
	UsedLinkedin float64 `gorm:"type:decimal(12,2);default:0.00"`
	UsedAbm      float64 `gorm:"type:decimal(12,2);default:0.00"`

	Status    string    `gorm:"type:enum('open','closed');not null;default:'open'"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (MonthlyAllocation) TableName() string {
	return "monthly_allocation"
}

// GrantedOf 当期发放总额（基础 + 加购，不含结转）
func (a *MonthlyAllocation) GrantedOf(creditType string) float64 {
	switch creditType {
	case "lead":
		return a.BaseLead + a.AddOnLead
	case "email":
		return a.BaseEmail + a.AddOnEmail
	case "linkedin":
		return a.BaseLinkedin + a.AddOnLinkedin
	case "abm":
		return a.BaseAbm + a.AddOnAbm
	}
	return 0
}

// UsedOf 当期消耗
func (a *MonthlyAllocation) UsedOf(creditType string) float64 {
	switch creditType {
	case "lead":
		return a.UsedLead
	case "email":
		return a.UsedEmail
	case "linkedin":
		return a.UsedLinkedin
	case "abm":
		return a.UsedAbm
	}
	return 0
}

// UsedColumn 积分类型对应的消耗计数列名
func UsedColumn(creditType string) string {
	switch creditType {
	case "lead":
		return "used_lead"
	case "email":
		return "used_email"
	case "linkedin":
		return "used_linkedin"
	case "abm":
		return "used_abm"
	}
	return ""
}

package data

import (
	"context"
	"errors"
	"time"

	"credit-service/internal/biz"
	"credit-service/internal/constants"
	"credit-service/internal/data/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// allocationRepo 月度额度与结转数据访问
type allocationRepo struct {
	data *Data
	log  *log.Helper
}

// NewAllocationRepo 创建月度额度 repo（返回 biz.AllocationRepo 接口）
func NewAllocationRepo(data *Data, logger log.Logger) biz.AllocationRepo {
	return &allocationRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

func allocationToBiz(m *model.MonthlyAllocation) *biz.MonthlyAllocation {
	return &biz.MonthlyAllocation{
		ID:       m.MonthlyAllocationID,
		ClientID: m.ClientID,
		Month:    m.Month,
		Base: map[string]float64{
			constants.CreditTypeLead:     m.BaseLead,
			constants.CreditTypeEmail:    m.BaseEmail,
			constants.CreditTypeLinkedin: m.BaseLinkedin,
			constants.CreditTypeABM:      m.BaseAbm,
		},
		AddOn: map[string]float64{
			constants.CreditTypeLead:     m.AddOnLead,
			constants.CreditTypeEmail:    m.AddOnEmail,
			constants.CreditTypeLinkedin: m.AddOnLinkedin,
			constants.CreditTypeABM:      m.AddOnAbm,
		},
		RolloverIn: map[string]float64{
			constants.CreditTypeLead:  m.RolloverInLead,
			constants.CreditTypeEmail: m.RolloverInEmail,
		},
		Used: map[string]float64{
			constants.CreditTypeLead:     m.UsedLead,
			constants.CreditTypeEmail:    m.UsedEmail,
			constants.CreditTypeLinkedin: m.UsedLinkedin,
			constants.CreditTypeABM:      m.UsedAbm,
		},
		Status:    m.Status,
		CreatedAt: m.CreatedAt,
	}
}

func allocationToModel(a *biz.MonthlyAllocation) *model.MonthlyAllocation {
	return &model.MonthlyAllocation{
		MonthlyAllocationID: a.ID,
		ClientID:            a.ClientID,
		Month:               a.Month,
		BaseLead:            a.Base[constants.CreditTypeLead],
		BaseEmail:           a.Base[constants.CreditTypeEmail],
		BaseLinkedin:        a.Base[constants.CreditTypeLinkedin],
		BaseAbm:             a.Base[constants.CreditTypeABM],
		AddOnLead:           a.AddOn[constants.CreditTypeLead],
		AddOnEmail:          a.AddOn[constants.CreditTypeEmail],
		AddOnLinkedin:       a.AddOn[constants.CreditTypeLinkedin],
		AddOnAbm:            a.AddOn[constants.CreditTypeABM],
		RolloverInLead:      a.RolloverIn[constants.CreditTypeLead],
		RolloverInEmail:     a.RolloverIn[constants.CreditTypeEmail],
		UsedLead:            a.Used[constants.CreditTypeLead],
		UsedEmail:           a.Used[constants.CreditTypeEmail],
		UsedLinkedin:        a.Used[constants.CreditTypeLinkedin],
		UsedAbm:             a.Used[constants.CreditTypeABM],
		Status:              a.Status,
	}
}

func rolloverToBiz(m *model.CreditRollover) *biz.CreditRollover {
	return &biz.CreditRollover{
		ID:            m.CreditRolloverID,
		ClientID:      m.ClientID,
		CreditType:    m.CreditType,
		SourceMonth:   m.SourceMonth,
		TargetMonth:   m.TargetMonth,
		AmountRolled:  m.AmountRolled,
		AmountUsed:    m.AmountUsed,
		AmountExpired: m.AmountExpired,
		ExpiresAt:     m.ExpiresAt,
		Status:        m.Status,
		CreatedAt:     m.CreatedAt,
	}
}

// ListClientIDs 返回账本/余额表中出现过的客户 ID
func (r *allocationRepo) ListClientIDs(ctx context.Context, limit int) ([]string, error) {
	return listClientIDs(ctx, r.data.db, limit)
}

// GetAllocation 查询月度额度
func (r *allocationRepo) GetAllocation(ctx context.Context, clientID, month string) (*biz.MonthlyAllocation, error) {
	var m model.MonthlyAllocation
	if err := r.data.db.WithContext(ctx).
		Where("client_id = ? AND month = ?", clientID, month).
		First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return allocationToBiz(&m), nil
}

// CreateAllocation 创建月度额度（(client, month) 唯一）
func (r *allocationRepo) CreateAllocation(ctx context.Context, allocation *biz.MonthlyAllocation) error {
	return translateDup(r.data.db.WithContext(ctx).Create(allocationToModel(allocation)).Error)
}

// CloseAllocation 把月度额度置为 closed
func (r *allocationRepo) CloseAllocation(ctx context.Context, allocationID string) error {
	return r.data.db.WithContext(ctx).Model(&model.MonthlyAllocation{}).
		Where("monthly_allocation_id = ?", allocationID).
		Update("status", constants.AllocationStatusClosed).Error
}

// AddUsage 累加当期消耗计数（额度行不存在时静默跳过，计数是审计数据）
func (r *allocationRepo) AddUsage(ctx context.Context, clientID, month, creditType string, amount float64) error {
	column := model.UsedColumn(creditType)
	if column == "" {
		return nil
	}
	result := r.data.db.WithContext(ctx).Model(&model.MonthlyAllocation{}).
		Where("client_id = ? AND month = ?", clientID, month).
		Update(column, gorm.Expr(column+" + ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		r.log.Warnf("usage recorded without allocation row: client=%s, month=%s, type=%s", clientID, month, creditType)
	}
	return nil
}

// ListActiveRollovers 按创建时间升序返回未过期的 active 结转（先进先出冲抵序）
func (r *allocationRepo) ListActiveRollovers(ctx context.Context, clientID, creditType string, now time.Time) ([]*biz.CreditRollover, error) {
	var models []model.CreditRollover
	err := r.data.db.WithContext(ctx).
		Where("client_id = ? AND credit_type = ? AND status = ? AND expires_at > ?",
			clientID, creditType, constants.RolloverStatusActive, now).
		Order("created_at ASC, credit_rollover_id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	rollovers := make([]*biz.CreditRollover, 0, len(models))
	for i := range models {
		rollovers = append(rollovers, rolloverToBiz(&models[i]))
	}
	return rollovers, nil
}

// CreateRollover 创建结转（(client, sourceMonth, type) 唯一）
func (r *allocationRepo) CreateRollover(ctx context.Context, rollover *biz.CreditRollover) error {
	m := &model.CreditRollover{
		CreditRolloverID: rollover.ID,
		ClientID:         rollover.ClientID,
		CreditType:       rollover.CreditType,
		SourceMonth:      rollover.SourceMonth,
		TargetMonth:      rollover.TargetMonth,
		AmountRolled:     rollover.AmountRolled,
		AmountUsed:       rollover.AmountUsed,
		AmountExpired:    rollover.AmountExpired,
		ExpiresAt:        rollover.ExpiresAt,
		Status:           rollover.Status,
	}
	return translateDup(r.data.db.WithContext(ctx).Create(m).Error)
}

// UpdateRolloverUsage 更新结转消耗与状态
func (r *allocationRepo) UpdateRolloverUsage(ctx context.Context, rolloverID string, amountUsed float64, status string) error {
	return r.data.db.WithContext(ctx).Model(&model.CreditRollover{}).
		Where("credit_rollover_id = ?", rolloverID).
		Updates(map[string]interface{}{
			"amount_used": amountUsed,
			"status":      status,
		}).Error
}

// ListOverdueActiveRollovers 返回已到期仍 active 的结转
func (r *allocationRepo) ListOverdueActiveRollovers(ctx context.Context, now time.Time, limit int) ([]*biz.CreditRollover, error) {
	var models []model.CreditRollover
	err := r.data.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", constants.RolloverStatusActive, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	rollovers := make([]*biz.CreditRollover, 0, len(models))
	for i := range models {
		rollovers = append(rollovers, rolloverToBiz(&models[i]))
	}
	return rollovers, nil
}

// MarkRolloverExpired 把结转置为 expired 并记录作废额
func (r *allocationRepo) MarkRolloverExpired(ctx context.Context, rolloverID string, amountExpired float64) error {
	return r.data.db.WithContext(ctx).Model(&model.CreditRollover{}).
		Where("credit_rollover_id = ? AND status = ?", rolloverID, constants.RolloverStatusActive).
		Updates(map[string]interface{}{
			"amount_expired": amountExpired,
			"status":         constants.RolloverStatusExpired,
		}).Error
}

// GetSubscription 查询客户当前订阅
func (r *allocationRepo) GetSubscription(ctx context.Context, clientID string) (*biz.ClientSubscription, error) {
	return getSubscription(ctx, r.data.db, clientID)
}

// ApplyPendingSubscription 把延迟生效的降级切换为当前订阅
func (r *allocationRepo) ApplyPendingSubscription(ctx context.Context, clientID string) (*biz.ClientSubscription, error) {
	var result *biz.ClientSubscription
	err := r.data.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m model.ClientSubscription
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("client_id = ?", clientID).First(&m).Error; err != nil {
			return err
		}
		if m.PendingTierID == "" {
			sub, err := subscriptionToBiz(&m)
			if err != nil {
				return err
			}
			result = sub
			return nil
		}

		updates := map[string]interface{}{
			"tier_id":         m.PendingTierID,
			"add_ons":         m.PendingAddOns,
			"pending_tier_id": "",
			"pending_add_ons": "",
		}
		if err := tx.Model(&m).Updates(updates).Error; err != nil {
			return err
		}
		m.TierID = m.PendingTierID
		m.AddOns = m.PendingAddOns
		m.PendingTierID = ""
		m.PendingAddOns = ""

		sub, err := subscriptionToBiz(&m)
		if err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

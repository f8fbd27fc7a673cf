package biz

import (
	"context"
	"errors"
	"time"

	"credit-service/internal/constants"
	creditErrors "credit-service/internal/errors"
	"credit-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// AddOnSelection 客户选择的加购包
type AddOnSelection struct {
	AddOnID  string `json:"add_on_id"`
	Quantity int    `json:"quantity"`
}

// ClientSubscription 客户当前订阅领域对象
type ClientSubscription struct {
	ClientID      string
	TierID        string
	AddOns        []AddOnSelection
	PendingTierID string
	PendingAddOns []AddOnSelection
	UpdatedAt     time.Time
}

// SubscriptionChange 订阅变更审计领域对象
type SubscriptionChange struct {
	ID              string
	ClientID        string
	OldTierID       string
	NewTierID       string
	OldAddOns       []AddOnSelection
	NewAddOns       []AddOnSelection
	ProratedAmount  float64
	NextCycleAmount float64
	DiscountAmount  float64
	EffectiveAt     time.Time
	Deferred        bool
	Status          string
	FailureReason   string
	CreatedAt       time.Time
}

// CreditPurchase 积分包购买订单领域对象
type CreditPurchase struct {
	OrderID     string
	ClientID    string
	PackageID   string
	Amount      float64
	InvoiceID   string
	PaymentID   string
	Status      string
	FulfilledAt *time.Time
	CreatedAt   time.Time
}

// PromoBonus 新手包升级优惠记录领域对象
type PromoBonus struct {
	ID        string
	ClientID  string
	OrderID   string
	ChangeID  string
	Amount    float64
	CreatedAt time.Time
}

// SubscriptionRepo 订阅变更数据层接口（定义在 biz 层）
type SubscriptionRepo interface {
	// GetSubscription 查询客户当前订阅（不存在返回 nil, nil）
	GetSubscription(ctx context.Context, clientID string) (*ClientSubscription, error)
	// CreateChange 写入变更审计行
	CreateChange(ctx context.Context, change *SubscriptionChange) error
	// GetChange 查询变更审计行（不存在返回 nil, nil）
	GetChange(ctx context.Context, changeID string) (*SubscriptionChange, error)
	// UpdateChangeStatus 推进变更状态机
	UpdateChangeStatus(ctx context.Context, changeID, status, failureReason string) error
	// CommitChange 单事务提交：订阅更新 + 变更置 completed + 可选优惠记录
	// 任何一步失败整体回滚（all-or-nothing）
	CommitChange(ctx context.Context, change *SubscriptionChange, sub *ClientSubscription, promo *PromoBonus) error
	// GetFulfilledPurchase 查询客户最近一笔已到账的指定积分包订单（不存在返回 nil, nil）
	GetFulfilledPurchase(ctx context.Context, clientID, packageID string) (*CreditPurchase, error)
	// GetPromoBonus 查询客户优惠记录（不存在返回 nil, nil）
	GetPromoBonus(ctx context.Context, clientID string) (*PromoBonus, error)
	// CreatePromoBonus 写入优惠记录（client_id 唯一，冲突返回 ErrDuplicateKey）
	CreatePromoBonus(ctx context.Context, promo *PromoBonus) error
}

// SubscriptionUseCase 订阅变更业务逻辑
// 升级立即生效并按剩余天数折算差价，降级延迟到下个账期；
// 失败的变更不落任何余额或额度变化
type SubscriptionUseCase struct {
	repo    SubscriptionRepo
	conf    *CreditConfig
	log     *log.Helper
	metrics *metrics.CreditMetrics
}

// NewSubscriptionUseCase 创建订阅变更 UseCase
func NewSubscriptionUseCase(repo SubscriptionRepo, conf *CreditConfig, logger log.Logger) *SubscriptionUseCase {
	return &SubscriptionUseCase{
		repo:    repo,
		conf:    conf,
		log:     log.NewHelper(logger),
		metrics: metrics.GetMetrics(),
	}
}

// ProrateAmount 按剩余天数折算差价
// proratedAmount = (newMonthlyPrice - oldMonthlyPrice) × remainingDays / daysInPeriod
func ProrateAmount(oldMonthlyPrice, newMonthlyPrice float64, remainingDays, daysInPeriod int) float64 {
	if daysInPeriod <= 0 {
		return 0
	}
	return (newMonthlyPrice - oldMonthlyPrice) * float64(remainingDays) / float64(daysInPeriod)
}

// periodDays 当前账期（日历月）总天数与剩余天数
func periodDays(now time.Time) (remaining, total int) {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	total = monthStart.AddDate(0, 1, 0).Add(-24 * time.Hour).Day()
	remaining = total - now.Day()
	return remaining, total
}

// RequestChange 发起订阅变更
// 状态机 pending -> processing -> completed/failed；失败时零部分状态落库
func (uc *SubscriptionUseCase) RequestChange(ctx context.Context, clientID, newTierID string, newAddOns []AddOnSelection, now time.Time) (*SubscriptionChange, error) {
	sub, err := uc.repo.GetSubscription(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, creditErrors.ErrClientNotFound(clientID)
	}

	newTier, ok := uc.conf.Tiers[newTierID]
	if !ok {
		return nil, creditErrors.ErrUnknownTier(newTierID)
	}
	oldTier, ok := uc.conf.Tiers[sub.TierID]
	if !ok {
		return nil, creditErrors.ErrUnknownTier(sub.TierID)
	}
	nextCycleAmount := newTier.MonthlyPrice
	for _, sel := range newAddOns {
		addOn, ok := uc.conf.AddOns[sel.AddOnID]
		if !ok {
			return nil, creditErrors.ErrUnknownAddOn(sel.AddOnID)
		}
		nextCycleAmount += addOn.MonthlyPrice * float64(sel.Quantity)
	}

	upgrade := newTier.Rank > oldTier.Rank
	deferred := newTier.Rank < oldTier.Rank

	change := &SubscriptionChange{
		ID:              uuid.New().String(),
		ClientID:        clientID,
		OldTierID:       sub.TierID,
		NewTierID:       newTierID,
		OldAddOns:       sub.AddOns,
		NewAddOns:       newAddOns,
		NextCycleAmount: nextCycleAmount,
		EffectiveAt:     now,
		Deferred:        deferred,
		Status:          constants.ChangeStatusPending,
		CreatedAt:       now,
	}
	if upgrade {
		remaining, total := periodDays(now)
		change.ProratedAmount = ProrateAmount(oldTier.MonthlyPrice, newTier.MonthlyPrice, remaining, total)
	}
	if deferred {
		change.EffectiveAt = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
	}

	if err := uc.repo.CreateChange(ctx, change); err != nil {
		return nil, err
	}
	if err := uc.repo.UpdateChangeStatus(ctx, change.ID, constants.ChangeStatusProcessing, ""); err != nil {
		return nil, err
	}
	change.Status = constants.ChangeStatusProcessing

	// 升级到合格档位时自动应用新手包优惠
	var promo *PromoBonus
	if upgrade && newTier.PromoEligible {
		if eligible, _, purchase, err := uc.promotionEligibility(ctx, clientID, now); err == nil && eligible {
			starter := uc.conf.Packages[uc.conf.StarterPackageID]
			promo = &PromoBonus{
				ID:        uuid.New().String(),
				ClientID:  clientID,
				OrderID:   purchase.OrderID,
				ChangeID:  change.ID,
				Amount:    starter.Price,
				CreatedAt: now,
			}
			change.DiscountAmount = starter.Price
		}
	}

	updated := &ClientSubscription{
		ClientID: clientID,
		TierID:   sub.TierID,
		AddOns:   sub.AddOns,
	}
	if deferred {
		updated.PendingTierID = newTierID
		updated.PendingAddOns = newAddOns
	} else {
		updated.TierID = newTierID
		updated.AddOns = newAddOns
	}

	if err := uc.repo.CommitChange(ctx, change, updated, promo); err != nil {
		uc.failChange(ctx, change.ID, err.Error())
		return nil, creditErrors.ErrSubscriptionChangeFailed(err.Error())
	}
	change.Status = constants.ChangeStatusCompleted

	if uc.metrics != nil {
		uc.metrics.SubscriptionChangeTotal.WithLabelValues(constants.ChangeStatusCompleted).Inc()
		if promo != nil {
			uc.metrics.PromotionAppliedTotal.Inc()
		}
	}
	uc.log.Infof("subscription change completed: client=%s, %s -> %s, prorated=%.2f, discount=%.2f, deferred=%t",
		clientID, change.OldTierID, change.NewTierID, change.ProratedAmount, change.DiscountAmount, change.Deferred)
	return change, nil
}

// failChange 把变更标记为 failed（失败本身不再向外抛错）
func (uc *SubscriptionUseCase) failChange(ctx context.Context, changeID, reason string) {
	if err := uc.repo.UpdateChangeStatus(ctx, changeID, constants.ChangeStatusFailed, reason); err != nil {
		uc.log.Errorf("mark change %s failed error: %v", changeID, err)
	}
	if uc.metrics != nil {
		uc.metrics.SubscriptionChangeTotal.WithLabelValues(constants.ChangeStatusFailed).Inc()
	}
}

// CancelChange 取消 pending 的变更
func (uc *SubscriptionUseCase) CancelChange(ctx context.Context, changeID string) error {
	change, err := uc.repo.GetChange(ctx, changeID)
	if err != nil {
		return err
	}
	if change == nil {
		return creditErrors.ErrChangeNotFound(changeID)
	}
	if change.Status != constants.ChangeStatusPending {
		return creditErrors.ErrChangeNotCancellable(changeID, change.Status)
	}
	if err := uc.repo.UpdateChangeStatus(ctx, changeID, constants.ChangeStatusCancelled, ""); err != nil {
		return err
	}
	if uc.metrics != nil {
		uc.metrics.SubscriptionChangeTotal.WithLabelValues(constants.ChangeStatusCancelled).Inc()
	}
	return nil
}

// promotionEligibility 新手包升级优惠资格
// 条件：存在已到账的新手包订单、在购买后 14 天内、此前未使用过优惠
func (uc *SubscriptionUseCase) promotionEligibility(ctx context.Context, clientID string, now time.Time) (bool, string, *CreditPurchase, error) {
	if uc.conf.StarterPackageID == "" || uc.conf.Packages[uc.conf.StarterPackageID] == nil {
		return false, "no starter package configured", nil, nil
	}
	purchase, err := uc.repo.GetFulfilledPurchase(ctx, clientID, uc.conf.StarterPackageID)
	if err != nil {
		return false, "", nil, err
	}
	if purchase == nil {
		return false, "no fulfilled starter package purchase", nil, nil
	}
	purchasedAt := purchase.CreatedAt
	if purchase.FulfilledAt != nil {
		purchasedAt = *purchase.FulfilledAt
	}
	if now.After(purchasedAt.AddDate(0, 0, constants.PromoUpgradeWindowDays)) {
		return false, "upgrade window expired", nil, nil
	}
	bonus, err := uc.repo.GetPromoBonus(ctx, clientID)
	if err != nil {
		return false, "", nil, err
	}
	if bonus != nil {
		return false, "promotion already used", nil, nil
	}
	return true, "", purchase, nil
}

// CheckPromotionEligibility 查询新手包升级优惠资格
func (uc *SubscriptionUseCase) CheckPromotionEligibility(ctx context.Context, clientID string, now time.Time) (bool, string, error) {
	eligible, reason, _, err := uc.promotionEligibility(ctx, clientID, now)
	return eligible, reason, err
}

// ApplyPromotion 应用新手包升级优惠
// client_id 唯一索引保证每客户一次，第二次调用返回 already used
func (uc *SubscriptionUseCase) ApplyPromotion(ctx context.Context, clientID, changeID string, now time.Time) (*PromoBonus, error) {
	eligible, reason, purchase, err := uc.promotionEligibility(ctx, clientID, now)
	if err != nil {
		return nil, err
	}
	if !eligible {
		if reason == "promotion already used" {
			return nil, creditErrors.ErrPromotionAlreadyUsed(clientID)
		}
		return nil, creditErrors.ErrPromotionNotEligible(reason)
	}

	starter := uc.conf.Packages[uc.conf.StarterPackageID]
	promo := &PromoBonus{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		OrderID:   purchase.OrderID,
		ChangeID:  changeID,
		Amount:    starter.Price,
		CreatedAt: now,
	}
	if err := uc.repo.CreatePromoBonus(ctx, promo); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return nil, creditErrors.ErrPromotionAlreadyUsed(clientID)
		}
		return nil, err
	}
	if uc.metrics != nil {
		uc.metrics.PromotionAppliedTotal.Inc()
	}
	return promo, nil
}

// GetChange 查询变更审计行
func (uc *SubscriptionUseCase) GetChange(ctx context.Context, changeID string) (*SubscriptionChange, error) {
	change, err := uc.repo.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if change == nil {
		return nil, creditErrors.ErrChangeNotFound(changeID)
	}
	return change, nil
}

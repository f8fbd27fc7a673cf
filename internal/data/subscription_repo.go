package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"credit-service/internal/biz"
	"credit-service/internal/constants"
	"credit-service/internal/data/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// subscriptionRepo 订阅变更数据访问
type subscriptionRepo struct {
	data *Data
	log  *log.Helper
}

// NewSubscriptionRepo 创建订阅 repo（返回 biz.SubscriptionRepo 接口）
func NewSubscriptionRepo(data *Data, logger log.Logger) biz.SubscriptionRepo {
	return &subscriptionRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// marshalAddOns 加购选择序列化为 JSON（空选择存空串）
func marshalAddOns(selections []biz.AddOnSelection) (string, error) {
	if len(selections) == 0 {
		return "", nil
	}
	payload, err := json.Marshal(selections)
	if err != nil {
		return "", fmt.Errorf("marshal add-ons failed: %w", err)
	}
	return string(payload), nil
}

func unmarshalAddOns(raw string) ([]biz.AddOnSelection, error) {
	if raw == "" {
		return nil, nil
	}
	var selections []biz.AddOnSelection
	if err := json.Unmarshal([]byte(raw), &selections); err != nil {
		return nil, fmt.Errorf("unmarshal add-ons failed: %w", err)
	}
	return selections, nil
}

func subscriptionToBiz(m *model.ClientSubscription) (*biz.ClientSubscription, error) {
	addOns, err := unmarshalAddOns(m.AddOns)
	if err != nil {
		return nil, err
	}
	pendingAddOns, err := unmarshalAddOns(m.PendingAddOns)
	if err != nil {
		return nil, err
	}
	return &biz.ClientSubscription{
		ClientID:      m.ClientID,
		TierID:        m.TierID,
		AddOns:        addOns,
		PendingTierID: m.PendingTierID,
		PendingAddOns: pendingAddOns,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

// getSubscription 查询客户当前订阅（allocation repo 共用）
func getSubscription(ctx context.Context, db *gorm.DB, clientID string) (*biz.ClientSubscription, error) {
	var m model.ClientSubscription
	if err := db.WithContext(ctx).Where("client_id = ?", clientID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return subscriptionToBiz(&m)
}

func changeToBiz(m *model.SubscriptionChange) (*biz.SubscriptionChange, error) {
	oldAddOns, err := unmarshalAddOns(m.OldAddOns)
	if err != nil {
		return nil, err
	}
	newAddOns, err := unmarshalAddOns(m.NewAddOns)
	if err != nil {
		return nil, err
	}
	return &biz.SubscriptionChange{
		ID:              m.SubscriptionChangeID,
		ClientID:        m.ClientID,
		OldTierID:       m.OldTierID,
		NewTierID:       m.NewTierID,
		OldAddOns:       oldAddOns,
		NewAddOns:       newAddOns,
		ProratedAmount:  m.ProratedAmount,
		NextCycleAmount: m.NextCycleAmount,
		DiscountAmount:  m.DiscountAmount,
		EffectiveAt:     m.EffectiveAt,
		Deferred:        m.Deferred,
		Status:          m.Status,
		FailureReason:   m.FailureReason,
		CreatedAt:       m.CreatedAt,
	}, nil
}

// GetSubscription 查询客户当前订阅
func (r *subscriptionRepo) GetSubscription(ctx context.Context, clientID string) (*biz.ClientSubscription, error) {
	return getSubscription(ctx, r.data.db, clientID)
}

// CreateChange 写入变更审计行
func (r *subscriptionRepo) CreateChange(ctx context.Context, change *biz.SubscriptionChange) error {
	oldAddOns, err := marshalAddOns(change.OldAddOns)
	if err != nil {
		return err
	}
	newAddOns, err := marshalAddOns(change.NewAddOns)
	if err != nil {
		return err
	}
	m := &model.SubscriptionChange{
		SubscriptionChangeID: change.ID,
		ClientID:             change.ClientID,
		OldTierID:            change.OldTierID,
		NewTierID:            change.NewTierID,
		OldAddOns:            oldAddOns,
		NewAddOns:            newAddOns,
		ProratedAmount:       change.ProratedAmount,
		NextCycleAmount:      change.NextCycleAmount,
		DiscountAmount:       change.DiscountAmount,
		EffectiveAt:          change.EffectiveAt,
		Deferred:             change.Deferred,
		Status:               change.Status,
	}
	return translateDup(r.data.db.WithContext(ctx).Create(m).Error)
}

// GetChange 查询变更审计行
func (r *subscriptionRepo) GetChange(ctx context.Context, changeID string) (*biz.SubscriptionChange, error) {
	var m model.SubscriptionChange
	if err := r.data.db.WithContext(ctx).
		Where("subscription_change_id = ?", changeID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return changeToBiz(&m)
}

// UpdateChangeStatus 推进变更状态机
func (r *subscriptionRepo) UpdateChangeStatus(ctx context.Context, changeID, status, failureReason string) error {
	return r.data.db.WithContext(ctx).Model(&model.SubscriptionChange{}).
		Where("subscription_change_id = ?", changeID).
		Updates(map[string]interface{}{
			"status":         status,
			"failure_reason": failureReason,
		}).Error
}

// CommitChange 单事务提交：订阅更新 + 变更置 completed + 可选优惠记录
// 任何一步失败整体回滚
func (r *subscriptionRepo) CommitChange(ctx context.Context, change *biz.SubscriptionChange, sub *biz.ClientSubscription, promo *biz.PromoBonus) error {
	addOns, err := marshalAddOns(sub.AddOns)
	if err != nil {
		return err
	}
	pendingAddOns, err := marshalAddOns(sub.PendingAddOns)
	if err != nil {
		return err
	}

	return r.data.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m model.ClientSubscription
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("client_id = ?", sub.ClientID).First(&m).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			m = model.ClientSubscription{
				ClientSubscriptionID: uuid.New().String(),
				ClientID:             sub.ClientID,
				TierID:               sub.TierID,
				AddOns:               addOns,
				PendingTierID:        sub.PendingTierID,
				PendingAddOns:        pendingAddOns,
			}
			if err := tx.Create(&m).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Model(&m).Updates(map[string]interface{}{
				"tier_id":         sub.TierID,
				"add_ons":         addOns,
				"pending_tier_id": sub.PendingTierID,
				"pending_add_ons": pendingAddOns,
			}).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(&model.SubscriptionChange{}).
			Where("subscription_change_id = ?", change.ID).
			Updates(map[string]interface{}{
				"status":          change.Status,
				"discount_amount": change.DiscountAmount,
				"failure_reason":  "",
			}).Error; err != nil {
			return err
		}

		if promo != nil {
			p := &model.PromoBonus{
				PromoBonusID:         promo.ID,
				ClientID:             promo.ClientID,
				PurchaseOrderID:      promo.OrderID,
				SubscriptionChangeID: promo.ChangeID,
				Amount:               promo.Amount,
			}
			if err := tx.Create(p).Error; err != nil {
				return translateDup(err)
			}
		}
		return nil
	})
}

// GetFulfilledPurchase 查询客户最近一笔已到账的指定积分包订单
func (r *subscriptionRepo) GetFulfilledPurchase(ctx context.Context, clientID, packageID string) (*biz.CreditPurchase, error) {
	var m model.CreditPurchase
	if err := r.data.db.WithContext(ctx).
		Where("client_id = ? AND package_id = ? AND status = ?", clientID, packageID, constants.PurchaseStatusFulfilled).
		Order("fulfilled_at DESC").First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return purchaseToBiz(&m), nil
}

// GetPromoBonus 查询客户优惠记录
func (r *subscriptionRepo) GetPromoBonus(ctx context.Context, clientID string) (*biz.PromoBonus, error) {
	var m model.PromoBonus
	if err := r.data.db.WithContext(ctx).
		Where("client_id = ?", clientID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &biz.PromoBonus{
		ID:        m.PromoBonusID,
		ClientID:  m.ClientID,
		OrderID:   m.PurchaseOrderID,
		ChangeID:  m.SubscriptionChangeID,
		Amount:    m.Amount,
		CreatedAt: m.CreatedAt,
	}, nil
}

// CreatePromoBonus 写入优惠记录（client_id 唯一）
func (r *subscriptionRepo) CreatePromoBonus(ctx context.Context, promo *biz.PromoBonus) error {
	m := &model.PromoBonus{
		PromoBonusID:         promo.ID,
		ClientID:             promo.ClientID,
		PurchaseOrderID:      promo.OrderID,
		SubscriptionChangeID: promo.ChangeID,
		Amount:               promo.Amount,
	}
	return translateDup(r.data.db.WithContext(ctx).Create(m).Error)
}

package data

import (
	"context"
	"errors"
	"time"

	"credit-service/internal/biz"
	"credit-service/internal/data/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// purchaseRepo 积分包购买订单数据访问
type purchaseRepo struct {
	data *Data
	log  *log.Helper
}

// NewPurchaseRepo 创建购买订单 repo（返回 biz.PurchaseRepo 接口）
func NewPurchaseRepo(data *Data, logger log.Logger) biz.PurchaseRepo {
	return &purchaseRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

func purchaseToBiz(m *model.CreditPurchase) *biz.CreditPurchase {
	return &biz.CreditPurchase{
		OrderID:     m.PurchaseOrderID,
		ClientID:    m.ClientID,
		PackageID:   m.PackageID,
		Amount:      m.Amount,
		InvoiceID:   m.InvoiceID,
		PaymentID:   m.PaymentID,
		Status:      m.Status,
		FulfilledAt: m.FulfilledAt,
		CreatedAt:   m.CreatedAt,
	}
}

// GetPurchaseByPaymentID 按支付流水号查询（幂等检查）
func (r *purchaseRepo) GetPurchaseByPaymentID(ctx context.Context, paymentID string) (*biz.CreditPurchase, error) {
	var m model.CreditPurchase
	if err := r.data.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return purchaseToBiz(&m), nil
}

// GetPurchaseByOrderID 按订单号查询
func (r *purchaseRepo) GetPurchaseByOrderID(ctx context.Context, orderID string) (*biz.CreditPurchase, error) {
	var m model.CreditPurchase
	if err := r.data.db.WithContext(ctx).
		Where("purchase_order_id = ?", orderID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return purchaseToBiz(&m), nil
}

// CreatePurchase 创建订单
func (r *purchaseRepo) CreatePurchase(ctx context.Context, purchase *biz.CreditPurchase) error {
	m := &model.CreditPurchase{
		PurchaseOrderID: purchase.OrderID,
		ClientID:        purchase.ClientID,
		PackageID:       purchase.PackageID,
		Amount:          purchase.Amount,
		InvoiceID:       purchase.InvoiceID,
		PaymentID:       purchase.PaymentID,
		Status:          purchase.Status,
		FulfilledAt:     purchase.FulfilledAt,
	}
	return translateDup(r.data.db.WithContext(ctx).Create(m).Error)
}

// MarkPurchase 更新订单状态并绑定支付流水号
func (r *purchaseRepo) MarkPurchase(ctx context.Context, orderID, paymentID, status string, fulfilledAt *time.Time) error {
	updates := map[string]interface{}{
		"payment_id": paymentID,
		"status":     status,
	}
	if fulfilledAt != nil {
		updates["fulfilled_at"] = fulfilledAt
	}
	return r.data.db.WithContext(ctx).Model(&model.CreditPurchase{}).
		Where("purchase_order_id = ?", orderID).
		Updates(updates).Error
}

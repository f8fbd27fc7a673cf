package biz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credit-service/internal/constants"
	creditErrors "credit-service/internal/errors"
	"credit-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

// PaymentEvent 计费处理器投递的支付事件（MQ 消息体）
// 事实已由外部系统校验，这里不验签
type PaymentEvent struct {
	EventType string  `json:"event_type"` // payment.succeeded / payment.failed
	PaymentID string  `json:"payment_id"`
	InvoiceID string  `json:"invoice_id"`
	OrderID   string  `json:"order_id"`
	ClientID  string  `json:"client_id"`
	PackageID string  `json:"package_id"`
	Amount    float64 `json:"amount"`
}

// PurchaseRepo 积分包购买订单数据层接口（定义在 biz 层）
type PurchaseRepo interface {
	// GetPurchaseByPaymentID 按支付流水号查询（幂等检查；不存在返回 nil, nil）
	GetPurchaseByPaymentID(ctx context.Context, paymentID string) (*CreditPurchase, error)
	// GetPurchaseByOrderID 按订单号查询（不存在返回 nil, nil）
	GetPurchaseByOrderID(ctx context.Context, orderID string) (*CreditPurchase, error)
	// CreatePurchase 创建订单（orderID 主键冲突返回 ErrDuplicateKey）
	CreatePurchase(ctx context.Context, purchase *CreditPurchase) error
	// MarkPurchase 更新订单状态并绑定支付流水号
	MarkPurchase(ctx context.Context, orderID, paymentID, status string, fulfilledAt *time.Time) error
}

// CreditUseCase 积分组合业务逻辑（组合 UseCase）
// 负责跨领域协调：记账 + 消耗归账、支付事件入账
type CreditUseCase struct {
	ledger       *LedgerUseCase
	reconcile    *ReconcileUseCase
	allocation   *AllocationUseCase
	subscription *SubscriptionUseCase

	purchaseRepo PurchaseRepo
	conf         *CreditConfig
	log          *log.Helper
	metrics      *metrics.CreditMetrics
}

// NewCreditUseCase 创建组合 UseCase
func NewCreditUseCase(
	ledger *LedgerUseCase,
	reconcile *ReconcileUseCase,
	allocation *AllocationUseCase,
	subscription *SubscriptionUseCase,
	purchaseRepo PurchaseRepo,
	conf *CreditConfig,
	logger log.Logger,
) *CreditUseCase {
	return &CreditUseCase{
		ledger:       ledger,
		reconcile:    reconcile,
		allocation:   allocation,
		subscription: subscription,
		purchaseRepo: purchaseRepo,
		conf:         conf,
		log:          log.NewHelper(logger),
		metrics:      metrics.GetMetrics(),
	}
}

// Ledger 账本 UseCase
func (uc *CreditUseCase) Ledger() *LedgerUseCase { return uc.ledger }

// Reconcile 对账 UseCase
func (uc *CreditUseCase) Reconcile() *ReconcileUseCase { return uc.reconcile }

// Allocation 月度额度 UseCase
func (uc *CreditUseCase) Allocation() *AllocationUseCase { return uc.allocation }

// Subscription 订阅变更 UseCase
func (uc *CreditUseCase) Subscription() *SubscriptionUseCase { return uc.subscription }

// Apply 记账并归账消耗（跨领域）
// usage 扣减成功后把消耗计入当期额度并先进先出冲抵结转；
// 归账失败只记日志，偏差由对账自愈
func (uc *CreditUseCase) Apply(ctx context.Context, clientID, creditType string, delta float64, transactionType, idempotencyKey string) (*LedgerEntry, error) {
	entry, err := uc.ledger.Apply(ctx, clientID, creditType, delta, transactionType, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if transactionType == constants.TransactionTypeUsage && delta < 0 {
		if err := uc.allocation.RecordUsage(ctx, clientID, creditType, -delta, entry.CreatedAt); err != nil {
			uc.log.Warnf("record usage failed: client=%s, type=%s, amount=%.2f: %v",
				clientID, creditType, -delta, err)
		}
	}
	return entry, nil
}

// GetBalance 查询余额
func (uc *CreditUseCase) GetBalance(ctx context.Context, clientID, creditType string) (float64, error) {
	return uc.ledger.GetBalance(ctx, clientID, creditType)
}

// GetAccount 账户总览（余额 + 当期额度）
func (uc *CreditUseCase) GetAccount(ctx context.Context, clientID string, now time.Time) (map[string]float64, *MonthlyAllocation, error) {
	balances, err := uc.ledger.GetBalances(ctx, clientID)
	if err != nil {
		return nil, nil, err
	}
	allocation, err := uc.allocation.GetAllocation(ctx, clientID, now.Format(constants.TimeFormatMonth))
	if err != nil {
		return nil, nil, err
	}
	return balances, allocation, nil
}

// HandlePaymentEvent 处理支付事件（幂等）
// 成功事件把订单置为 fulfilled 并按积分包入账 purchase 流水（幂等键 = 发票号）；
// 失败事件把订单置为 failed。同一支付流水号只入账一次
func (uc *CreditUseCase) HandlePaymentEvent(ctx context.Context, event *PaymentEvent) error {
	if event.PaymentID == "" {
		return fmt.Errorf("payment event missing payment_id")
	}

	existing, err := uc.purchaseRepo.GetPurchaseByPaymentID(ctx, event.PaymentID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == constants.PurchaseStatusFulfilled {
		uc.log.Infof("payment already processed: payment_id=%s", event.PaymentID)
		return nil
	}

	purchase := existing
	if purchase == nil && event.OrderID != "" {
		purchase, err = uc.purchaseRepo.GetPurchaseByOrderID(ctx, event.OrderID)
		if err != nil {
			return err
		}
	}
	if purchase == nil {
		// 订单先于事件不存在时由事件补建（计费处理器是事实来源）
		purchase = &CreditPurchase{
			OrderID:   event.OrderID,
			ClientID:  event.ClientID,
			PackageID: event.PackageID,
			Amount:    event.Amount,
			InvoiceID: event.InvoiceID,
			PaymentID: event.PaymentID,
			Status:    constants.PurchaseStatusPending,
			CreatedAt: time.Now(),
		}
		if purchase.OrderID == "" {
			purchase.OrderID = fmt.Sprintf("purchase_%s", event.PaymentID)
		}
		if err := uc.purchaseRepo.CreatePurchase(ctx, purchase); err != nil && !errors.Is(err, ErrDuplicateKey) {
			return err
		}
	}

	if event.EventType == constants.PaymentEventFailed {
		return uc.purchaseRepo.MarkPurchase(ctx, purchase.OrderID, event.PaymentID, constants.PurchaseStatusFailed, nil)
	}

	pkg, ok := uc.conf.Packages[purchase.PackageID]
	if !ok {
		return creditErrors.ErrPurchaseNotFound(purchase.PackageID)
	}

	now := time.Now()
	if err := uc.purchaseRepo.MarkPurchase(ctx, purchase.OrderID, event.PaymentID, constants.PurchaseStatusFulfilled, &now); err != nil {
		return err
	}

	invoiceRef := event.InvoiceID
	if invoiceRef == "" {
		invoiceRef = event.PaymentID
	}
	for creditType, amount := range pkg.Credits {
		if amount <= 0 {
			continue
		}
		key := fmt.Sprintf("purchase:%s:%s", invoiceRef, creditType)
		if _, err := uc.ledger.Apply(ctx, purchase.ClientID, creditType, amount, constants.TransactionTypePurchase, key); err != nil {
			return err
		}
	}

	uc.log.Infof("payment fulfilled: order=%s, client=%s, package=%s, amount=%.2f",
		purchase.OrderID, purchase.ClientID, purchase.PackageID, purchase.Amount)
	return nil
}

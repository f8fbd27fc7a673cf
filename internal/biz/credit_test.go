package biz

import (
	"context"
	"testing"
	"time"

	"credit-service/internal/constants"
)

func TestHandlePaymentEventFulfillsOnce(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	event := &PaymentEvent{
		EventType: constants.PaymentEventSucceeded,
		PaymentID: "pay-1",
		InvoiceID: "inv-1",
		ClientID:  "client-1",
		PackageID: "pkg_starter",
		Amount:    49,
	}

	if err := env.credit.HandlePaymentEvent(ctx, event); err != nil {
		t.Fatalf("HandlePaymentEvent error: %v", err)
	}

	balances, _ := env.ledger.GetBalances(ctx, "client-1")
	if balances[constants.CreditTypeLead] != 200 {
		t.Errorf("lead balance = %.2f, want 200", balances[constants.CreditTypeLead])
	}
	if balances[constants.CreditTypeEmail] != 1000 {
		t.Errorf("email balance = %.2f, want 1000", balances[constants.CreditTypeEmail])
	}

	purchase, _ := env.store.GetPurchaseByPaymentID(ctx, "pay-1")
	if purchase == nil || purchase.Status != constants.PurchaseStatusFulfilled {
		t.Fatalf("purchase not fulfilled: %+v", purchase)
	}

	// 同一支付事件重投不会二次入账
	if err := env.credit.HandlePaymentEvent(ctx, event); err != nil {
		t.Fatalf("redelivered event error: %v", err)
	}
	balances, _ = env.ledger.GetBalances(ctx, "client-1")
	if balances[constants.CreditTypeLead] != 200 {
		t.Errorf("lead balance after redelivery = %.2f, want 200", balances[constants.CreditTypeLead])
	}
}

func TestHandlePaymentEventFailed(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.store.CreatePurchase(ctx, &CreditPurchase{
		OrderID:   "order-1",
		ClientID:  "client-1",
		PackageID: "pkg_starter",
		Amount:    49,
		Status:    constants.PurchaseStatusPending,
		CreatedAt: time.Now(),
	})

	event := &PaymentEvent{
		EventType: constants.PaymentEventFailed,
		PaymentID: "pay-1",
		OrderID:   "order-1",
		ClientID:  "client-1",
		PackageID: "pkg_starter",
	}
	if err := env.credit.HandlePaymentEvent(ctx, event); err != nil {
		t.Fatalf("HandlePaymentEvent error: %v", err)
	}

	purchase, _ := env.store.GetPurchaseByOrderID(ctx, "order-1")
	if purchase.Status != constants.PurchaseStatusFailed {
		t.Errorf("status = %s, want failed", purchase.Status)
	}

	// 失败事件不入账
	balances, _ := env.ledger.GetBalances(ctx, "client-1")
	for creditType, v := range balances {
		if v != 0 {
			t.Errorf("%s balance = %.2f after failed payment, want 0", creditType, v)
		}
	}
}

func TestHandlePaymentEventMissingPaymentID(t *testing.T) {
	env := newTestEnv()
	if err := env.credit.HandlePaymentEvent(context.Background(), &PaymentEvent{EventType: constants.PaymentEventSucceeded}); err == nil {
		t.Fatal("expected error for event without payment_id")
	}
}

func TestCreditApplyRecordsUsage(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	month := time.Now().Format(constants.TimeFormatMonth)
	env.store.CreateAllocation(ctx, &MonthlyAllocation{
		ID: "alloc-1", ClientID: "client-1", Month: month,
		Base:   map[string]float64{constants.CreditTypeLead: 100},
		Used:   map[string]float64{},
		Status: constants.AllocationStatusOpen,
	})
	env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, 100, constants.TransactionTypeBonus, "grant")

	if _, err := env.credit.Apply(ctx, "client-1", constants.CreditTypeLead, -25, constants.TransactionTypeUsage, "u1"); err != nil {
		t.Fatalf("Apply error: %v", err)
	}

	allocation, _ := env.allocation.GetAllocation(ctx, "client-1", month)
	if allocation.Used[constants.CreditTypeLead] != 25 {
		t.Errorf("used lead = %.2f, want 25", allocation.Used[constants.CreditTypeLead])
	}
}

func TestGetAccount(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	month := time.Now().Format(constants.TimeFormatMonth)
	env.store.CreateAllocation(ctx, &MonthlyAllocation{
		ID: "alloc-1", ClientID: "client-1", Month: month,
		Base:   map[string]float64{constants.CreditTypeLead: 100},
		Used:   map[string]float64{},
		Status: constants.AllocationStatusOpen,
	})
	env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, 100, constants.TransactionTypeBonus, "grant")

	balances, allocation, err := env.credit.GetAccount(ctx, "client-1", time.Now())
	if err != nil {
		t.Fatalf("GetAccount error: %v", err)
	}
	if balances[constants.CreditTypeLead] != 100 {
		t.Errorf("lead balance = %.2f, want 100", balances[constants.CreditTypeLead])
	}
	if allocation == nil || allocation.Month != month {
		t.Errorf("allocation = %+v, want month %s", allocation, month)
	}
}

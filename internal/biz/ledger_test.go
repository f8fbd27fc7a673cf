package biz

import (
	"context"
	"math"
	"testing"

	"credit-service/internal/constants"
	creditErrors "credit-service/internal/errors"
)

func TestApplyCreatesEntryAndBalance(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	entry, err := env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, 250, constants.TransactionTypePurchase, "purchase:inv-1:lead")
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if entry.CreditAmount != 250 || entry.DebitAmount != 0 {
		t.Errorf("credit/debit split wrong: credit=%.2f debit=%.2f", entry.CreditAmount, entry.DebitAmount)
	}
	if entry.BalanceAfter != 250 {
		t.Errorf("BalanceAfter = %.2f, want 250", entry.BalanceAfter)
	}
	if entry.RunningTotal != 250 {
		t.Errorf("RunningTotal = %.2f, want 250", entry.RunningTotal)
	}

	balance, err := env.ledger.GetBalance(ctx, "client-1", constants.CreditTypeLead)
	if err != nil {
		t.Fatalf("GetBalance returned error: %v", err)
	}
	if balance != 250 {
		t.Errorf("balance = %.2f, want 250", balance)
	}
}

func TestApplyIdempotency(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	first, err := env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, 100, constants.TransactionTypePurchase, "purchase:inv-1:lead")
	if err != nil {
		t.Fatalf("first Apply returned error: %v", err)
	}
	second, err := env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, 100, constants.TransactionTypePurchase, "purchase:inv-1:lead")
	if err != nil {
		t.Fatalf("second Apply returned error: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("duplicate apply returned a different entry: %s vs %s", second.ID, first.ID)
	}
	balance, _ := env.ledger.GetBalance(ctx, "client-1", constants.CreditTypeLead)
	if balance != 100 {
		t.Errorf("balance after duplicate apply = %.2f, want 100", balance)
	}
	entries, total, _ := env.ledger.ListEntries(ctx, "client-1", 1, 10)
	if total != 1 || len(entries) != 1 {
		t.Errorf("duplicate apply created extra entries: total=%d", total)
	}
}

func TestApplyInsufficientCredit(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, 50, constants.TransactionTypePurchase, "k1"); err != nil {
		t.Fatalf("setup apply failed: %v", err)
	}

	_, err := env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, -80, constants.TransactionTypeUsage, "k2")
	if !creditErrors.IsInsufficientCredit(err) {
		t.Fatalf("expected insufficient credit error, got %v", err)
	}

	// 被拒绝的扣减不落任何数据
	balance, _ := env.ledger.GetBalance(ctx, "client-1", constants.CreditTypeLead)
	if balance != 50 {
		t.Errorf("balance after rejected debit = %.2f, want 50", balance)
	}
	if _, total, _ := env.ledger.ListEntries(ctx, "client-1", 1, 10); total != 1 {
		t.Errorf("rejected debit created an entry: total=%d", total)
	}
}

func TestApplyOverdraftAllowed(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.store.allowOverdraft("client-1", 100)

	entry, err := env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, -60, constants.TransactionTypeUsage, "k1")
	if err != nil {
		t.Fatalf("overdraft within limit rejected: %v", err)
	}
	if entry.BalanceAfter != -60 {
		t.Errorf("BalanceAfter = %.2f, want -60", entry.BalanceAfter)
	}

	if _, err := env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, -50, constants.TransactionTypeUsage, "k2"); !creditErrors.IsInsufficientCredit(err) {
		t.Errorf("expected insufficient credit past overdraft limit, got %v", err)
	}
}

func TestApplyInvalidCreditType(t *testing.T) {
	env := newTestEnv()
	_, err := env.ledger.Apply(context.Background(), "client-1", "sms", 10, constants.TransactionTypePurchase, "k1")
	if err == nil {
		t.Fatal("expected error for invalid credit type")
	}
}

func TestRunningTotalPerCreditType(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	steps := []struct {
		creditType string
		delta      float64
		key        string
		want       float64
	}{
		{constants.CreditTypeLead, 100, "k1", 100},
		{constants.CreditTypeEmail, 500, "k2", 500},
		{constants.CreditTypeLead, -30, "k3", 70},
		{constants.CreditTypeEmail, -200, "k4", 300},
		{constants.CreditTypeLead, 50, "k5", 120},
	}
	for _, step := range steps {
		transactionType := constants.TransactionTypePurchase
		if step.delta < 0 {
			transactionType = constants.TransactionTypeUsage
		}
		entry, err := env.ledger.Apply(ctx, "client-1", step.creditType, step.delta, transactionType, step.key)
		if err != nil {
			t.Fatalf("Apply(%s) returned error: %v", step.key, err)
		}
		if math.Abs(entry.RunningTotal-step.want) > constants.BalanceEpsilon {
			t.Errorf("running total after %s = %.2f, want %.2f", step.key, entry.RunningTotal, step.want)
		}
	}
}

func TestReverse(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	origin, err := env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, 100, constants.TransactionTypePurchase, "k1")
	if err != nil {
		t.Fatalf("setup apply failed: %v", err)
	}

	reversal, err := env.ledger.Reverse(ctx, origin.ID, "rev:k1")
	if err != nil {
		t.Fatalf("Reverse returned error: %v", err)
	}
	if reversal.NetAmount != -100 {
		t.Errorf("reversal NetAmount = %.2f, want -100", reversal.NetAmount)
	}
	if reversal.ParentTransactionID != origin.ID {
		t.Errorf("reversal parent = %s, want %s", reversal.ParentTransactionID, origin.ID)
	}
	if reversal.TransactionType != constants.TransactionTypeReversal {
		t.Errorf("reversal type = %s", reversal.TransactionType)
	}

	balance, _ := env.ledger.GetBalance(ctx, "client-1", constants.CreditTypeLead)
	if balance != 0 {
		t.Errorf("balance after reversal = %.2f, want 0", balance)
	}

	// 源流水保持 completed，冲正关系由 parent 链接承载
	stored, _ := env.store.GetEntryByID(ctx, origin.ID)
	if stored.Status != constants.EntryStatusCompleted {
		t.Errorf("origin status after reversal = %s, want completed", stored.Status)
	}

	// 冲正自身按幂等键可重试
	again, err := env.ledger.Reverse(ctx, origin.ID, "rev:k1")
	if err != nil {
		t.Fatalf("repeated Reverse returned error: %v", err)
	}
	if again.ID != reversal.ID {
		t.Errorf("repeated reverse created a new entry")
	}

	// 换幂等键重冲同一源流水返回已有冲正，不会二次入账
	other, err := env.ledger.Reverse(ctx, origin.ID, "rev:k1b")
	if err != nil {
		t.Fatalf("reverse with another key returned error: %v", err)
	}
	if other.ID != reversal.ID {
		t.Errorf("reverse with another key created a new entry")
	}
	balance, _ = env.ledger.GetBalance(ctx, "client-1", constants.CreditTypeLead)
	if balance != 0 {
		t.Errorf("balance after repeated reversals = %.2f, want 0", balance)
	}
}

func TestReverseThenReconcileNoDrift(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	origin, err := env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, 100, constants.TransactionTypePurchase, "k1")
	if err != nil {
		t.Fatalf("setup apply failed: %v", err)
	}
	if _, err := env.ledger.Reverse(ctx, origin.ID, "rev:k1"); err != nil {
		t.Fatalf("Reverse returned error: %v", err)
	}

	// 源流水和冲正流水在 completed 汇总里恰好抵消一次，
	// 夜间对账对冲正过的客户必须零修正
	report, err := env.reconcile.ReconcileBalances(ctx)
	if err != nil {
		t.Fatalf("ReconcileBalances returned error: %v", err)
	}
	if report.CorrectionsApplied != 0 {
		t.Errorf("corrections after reversal = %d, want 0", report.CorrectionsApplied)
	}
	balance, _ := env.ledger.GetBalance(ctx, "client-1", constants.CreditTypeLead)
	if balance != 0 {
		t.Errorf("balance after reconcile = %.2f, want 0", balance)
	}

	integrity := env.reconcile.VerifyIntegrity(ctx, 10)
	if integrity.Status != constants.IntegrityStatusHealthy {
		t.Errorf("integrity after reversal = %s, want healthy (findings: %v)",
			integrity.Status, integrity.Findings)
	}
}

func TestReverseUnknownEntry(t *testing.T) {
	env := newTestEnv()
	if _, err := env.ledger.Reverse(context.Background(), "no-such-entry", "rev:k1"); err == nil {
		t.Fatal("expected error reversing unknown entry")
	}
}

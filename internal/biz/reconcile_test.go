package biz

import (
	"context"
	"math"
	"testing"

	"credit-service/internal/constants"
)

func TestReconcileCorrectsDrift(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, 250, constants.TransactionTypePurchase, "k1")
	env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, -40, constants.TransactionTypeUsage, "k2")

	// 缓存漂移：账本推导 210，缓存被多扣 35
	env.store.driftBalance("client-1", constants.CreditTypeLead, -35)

	report, err := env.reconcile.ReconcileBalances(ctx)
	if err != nil {
		t.Fatalf("ReconcileBalances returned error: %v", err)
	}
	if report.CorrectionsApplied != 1 {
		t.Errorf("CorrectionsApplied = %d, want 1", report.CorrectionsApplied)
	}

	balance, _ := env.ledger.GetBalance(ctx, "client-1", constants.CreditTypeLead)
	if math.Abs(balance-210) > constants.BalanceEpsilon {
		t.Errorf("balance after reconcile = %.2f, want 210", balance)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, 100, constants.TransactionTypePurchase, "k1")
	env.store.driftBalance("client-1", constants.CreditTypeLead, 13)

	first, err := env.reconcile.ReconcileBalances(ctx)
	if err != nil {
		t.Fatalf("first run error: %v", err)
	}
	if first.CorrectionsApplied != 1 {
		t.Errorf("first run corrections = %d, want 1", first.CorrectionsApplied)
	}

	// 无新流水时重跑零修正
	second, err := env.reconcile.ReconcileBalances(ctx)
	if err != nil {
		t.Fatalf("second run error: %v", err)
	}
	if second.CorrectionsApplied != 0 {
		t.Errorf("second run corrections = %d, want 0", second.CorrectionsApplied)
	}
}

func TestRepairRunningTotals(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, 250, constants.TransactionTypePurchase, "k1")
	env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, -40, constants.TransactionTypeUsage, "k2")
	env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, -15, constants.TransactionTypeUsage, "k3")

	env.store.corruptRunningTotal("k2", 0)

	report, err := env.reconcile.RepairRunningTotals(ctx)
	if err != nil {
		t.Fatalf("RepairRunningTotals returned error: %v", err)
	}
	if report.EntriesFixed != 1 {
		t.Errorf("EntriesFixed = %d, want 1", report.EntriesFixed)
	}

	entries, _ := env.store.ListEntriesForReplay(ctx, "client-1")
	want := []float64{250, 210, 195}
	for i, e := range entries {
		if math.Abs(e.RunningTotal-want[i]) > constants.BalanceEpsilon {
			t.Errorf("entry %d running total = %.2f, want %.2f", i, e.RunningTotal, want[i])
		}
	}
}

func TestVerifyIntegrityFlagsRunningTotalMismatch(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, 250, constants.TransactionTypePurchase, "k1")
	env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, -40, constants.TransactionTypeUsage, "k2")
	env.store.corruptRunningTotal("k2", 7)

	report := env.reconcile.VerifyIntegrity(ctx, 10)
	if report.Status != constants.IntegrityStatusWarning {
		t.Fatalf("status = %s, want warning (findings: %v)", report.Status, report.Findings)
	}
	found := false
	for _, f := range report.Findings {
		if f.Kind == "running_total_mismatch" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected running_total_mismatch finding, got %v", report.Findings)
	}

	// 修补后复检恢复健康
	if _, err := env.reconcile.RepairRunningTotals(ctx); err != nil {
		t.Fatalf("RepairRunningTotals error: %v", err)
	}
	after := env.reconcile.VerifyIntegrity(ctx, 10)
	if after.Status != constants.IntegrityStatusHealthy {
		t.Errorf("status after repair = %s, want healthy (findings: %v)", after.Status, after.Findings)
	}
}

func TestRunCompleteSystemRepair(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, 250, constants.TransactionTypePurchase, "k1")
	env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, -40, constants.TransactionTypeUsage, "k2")
	env.ledger.Apply(ctx, "client-1", constants.CreditTypeLead, -15, constants.TransactionTypeUsage, "k3")

	env.store.driftBalance("client-1", constants.CreditTypeLead, -195) // 缓存归零
	env.store.corruptRunningTotal("k3", 9999)

	report, err := env.reconcile.RunCompleteSystemRepair(ctx)
	if err != nil {
		t.Fatalf("RunCompleteSystemRepair returned error: %v", err)
	}
	if report.Balances.CorrectionsApplied != 1 {
		t.Errorf("balance corrections = %d, want 1", report.Balances.CorrectionsApplied)
	}
	if report.RunningTotals.EntriesFixed != 1 {
		t.Errorf("running total fixes = %d, want 1", report.RunningTotals.EntriesFixed)
	}
	if report.PostCheck.Status != constants.IntegrityStatusHealthy {
		t.Errorf("post-repair status = %s, want healthy (findings: %v)", report.PostCheck.Status, report.PostCheck.Findings)
	}

	balance, _ := env.ledger.GetBalance(ctx, "client-1", constants.CreditTypeLead)
	if math.Abs(balance-195) > constants.BalanceEpsilon {
		t.Errorf("balance after repair = %.2f, want 195", balance)
	}
}

func TestVerifyIntegrityClassification(t *testing.T) {
	tests := []struct {
		name       string
		prepare    func(env *testEnv)
		wantStatus string
		wantKind   string
	}{
		{
			name: "healthy",
			prepare: func(env *testEnv) {
				env.ledger.Apply(context.Background(), "client-1", constants.CreditTypeLead, 100, constants.TransactionTypePurchase, "k1")
			},
			wantStatus: constants.IntegrityStatusHealthy,
		},
		{
			name: "small drift is a warning",
			prepare: func(env *testEnv) {
				env.ledger.Apply(context.Background(), "client-1", constants.CreditTypeLead, 1000, constants.TransactionTypePurchase, "k1")
				env.store.driftBalance("client-1", constants.CreditTypeLead, 2)
			},
			wantStatus: constants.IntegrityStatusWarning,
			wantKind:   "balance_drift",
		},
		{
			name: "large drift is critical",
			prepare: func(env *testEnv) {
				env.ledger.Apply(context.Background(), "client-1", constants.CreditTypeLead, 1000, constants.TransactionTypePurchase, "k1")
				env.store.driftBalance("client-1", constants.CreditTypeLead, 500)
			},
			wantStatus: constants.IntegrityStatusCritical,
			wantKind:   "balance_drift",
		},
		{
			name: "ledger below overdraft limit is critical",
			prepare: func(env *testEnv) {
				env.store.allowOverdraft("client-1", 100)
				env.ledger.Apply(context.Background(), "client-1", constants.CreditTypeLead, -90, constants.TransactionTypeUsage, "k1")
				// 第二笔绕过校验直写账本，模拟历史数据超限
				env.store.CreateEntry(context.Background(), &LedgerEntry{
					ID: "e2", IdempotencyKey: "k2", ClientID: "client-1",
					CreditType: constants.CreditTypeLead, NetAmount: -80, DebitAmount: 80,
					TransactionType: constants.TransactionTypeUsage,
					Status:          constants.EntryStatusCompleted,
				})
			},
			wantStatus: constants.IntegrityStatusCritical,
			wantKind:   "overdraft_exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			tt.prepare(env)

			report := env.reconcile.VerifyIntegrity(context.Background(), 100)
			if report.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s (findings: %v)", report.Status, tt.wantStatus, report.Findings)
			}
			if tt.wantKind != "" {
				found := false
				for _, f := range report.Findings {
					if f.Kind == tt.wantKind {
						found = true
					}
				}
				if !found {
					t.Errorf("expected finding kind %s, got %v", tt.wantKind, report.Findings)
				}
			}
		})
	}
}

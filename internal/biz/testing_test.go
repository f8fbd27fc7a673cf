package biz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"credit-service/internal/constants"

	"github.com/go-kratos/kratos/v2/log"
)

// fakeStore 内存版数据层，同时实现全部 repo 接口，行为与 MySQL 实现对齐：
// 唯一键冲突返回 ErrDuplicateKey，余额随流水写入同步更新。
// 测试里通过 driftBalance/corruptRunningTotal 人为制造偏差来验证对账路径。
type fakeStore struct {
	mu sync.Mutex

	entries      []*LedgerEntry
	entriesByKey map[string]*LedgerEntry
	balances     map[string]*ClientBalance

	allocations map[string]*MonthlyAllocation // client|month
	rollovers   map[string]*CreditRollover
	rolloverKey map[string]bool // client|sourceMonth|type

	subs    map[string]*ClientSubscription
	changes map[string]*SubscriptionChange
	promos  map[string]*PromoBonus // by client

	purchases map[string]*CreditPurchase // by orderID

	failCommit bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entriesByKey: make(map[string]*LedgerEntry),
		balances:     make(map[string]*ClientBalance),
		allocations:  make(map[string]*MonthlyAllocation),
		rollovers:    make(map[string]*CreditRollover),
		rolloverKey:  make(map[string]bool),
		subs:         make(map[string]*ClientSubscription),
		changes:      make(map[string]*SubscriptionChange),
		promos:       make(map[string]*PromoBonus),
		purchases:    make(map[string]*CreditPurchase),
	}
}

func copyEntry(e *LedgerEntry) *LedgerEntry {
	c := *e
	return &c
}

func (s *fakeStore) applyBalanceDelta(clientID, creditType string, delta float64) *ClientBalance {
	b, ok := s.balances[clientID]
	if !ok {
		b = &ClientBalance{
			ClientID: clientID,
			Balances: make(map[string]float64),
			Max:      make(map[string]float64),
		}
		s.balances[clientID] = b
	}
	b.Balances[creditType] += delta
	return b
}

// driftBalance 人为制造余额缓存偏差（不动账本）
func (s *fakeStore) driftBalance(clientID, creditType string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyBalanceDelta(clientID, creditType, delta)
}

// corruptRunningTotal 人为破坏一条流水的 running_total
func (s *fakeStore) corruptRunningTotal(idempotencyKey string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entriesByKey[idempotencyKey]; ok {
		e.RunningTotal = value
	}
}

func (s *fakeStore) allowOverdraft(clientID string, limit float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.applyBalanceDelta(clientID, constants.CreditTypeLead, 0)
	b.AllowOverdraft = true
	b.OverdraftLimit = limit
}

// ---- LedgerRepo ----

func (s *fakeStore) GetEntryByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entriesByKey[key]; ok && e.Status == constants.EntryStatusCompleted {
		return copyEntry(e), nil
	}
	return nil, nil
}

func (s *fakeStore) GetEntryByID(ctx context.Context, entryID string) (*LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == entryID {
			return copyEntry(e), nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetLastEntry(ctx context.Context, clientID, creditType string) (*LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.ClientID == clientID && e.CreditType == creditType && e.Status == constants.EntryStatusCompleted {
			return copyEntry(e), nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetBalance(ctx context.Context, clientID string) (*ClientBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[clientID]
	if !ok {
		return nil, nil
	}
	c := *b
	c.Balances = make(map[string]float64, len(b.Balances))
	for k, v := range b.Balances {
		c.Balances[k] = v
	}
	return &c, nil
}

func (s *fakeStore) CreateEntry(ctx context.Context, entry *LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entriesByKey[entry.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	e := copyEntry(entry)
	s.entries = append(s.entries, e)
	s.entriesByKey[e.IdempotencyKey] = e
	s.applyBalanceDelta(e.ClientID, e.CreditType, e.NetAmount)
	return nil
}

func (s *fakeStore) GetReversalByParent(ctx context.Context, parentID string) (*LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ParentTransactionID == parentID &&
			e.TransactionType == constants.TransactionTypeReversal &&
			e.Status == constants.EntryStatusCompleted {
			return copyEntry(e), nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ReverseEntry(ctx context.Context, origin *LedgerEntry, reversal *LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entriesByKey[reversal.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	// 源流水保持 completed，第二次冲正靠 parent 链接复查拒绝
	for _, e := range s.entries {
		if e.ParentTransactionID == origin.ID &&
			e.TransactionType == constants.TransactionTypeReversal &&
			e.Status == constants.EntryStatusCompleted {
			return fmt.Errorf("entry %s already reversed", origin.ID)
		}
	}
	r := copyEntry(reversal)
	s.entries = append(s.entries, r)
	s.entriesByKey[r.IdempotencyKey] = r
	s.applyBalanceDelta(r.ClientID, r.CreditType, r.NetAmount)
	return nil
}

func (s *fakeStore) ListEntries(ctx context.Context, clientID string, page, pageSize int) ([]*LedgerEntry, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].ClientID == clientID {
			all = append(all, copyEntry(s.entries[i]))
		}
	}
	total := int64(len(all))
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

// ---- ReconcileRepo ----

func (s *fakeStore) ListClientIDs(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for id := range s.balances {
		seen[id] = true
	}
	for _, e := range s.entries {
		seen[e.ClientID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *fakeStore) SumCompletedNet(ctx context.Context, clientID string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sums := make(map[string]float64)
	for _, e := range s.entries {
		if e.ClientID == clientID && e.Status == constants.EntryStatusCompleted {
			sums[e.CreditType] += e.NetAmount
		}
	}
	return sums, nil
}

func (s *fakeStore) GetBalanceRecord(ctx context.Context, clientID string) (*ClientBalance, error) {
	return s.GetBalance(ctx, clientID)
}

func (s *fakeStore) OverwriteBalances(ctx context.Context, clientID string, balances map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.applyBalanceDelta(clientID, constants.CreditTypeLead, 0)
	for creditType, v := range balances {
		b.Balances[creditType] = v
	}
	return nil
}

func (s *fakeStore) ListEntriesForReplay(ctx context.Context, clientID string) ([]*LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*LedgerEntry
	for _, e := range s.entries {
		if e.ClientID == clientID && e.Status == constants.EntryStatusCompleted {
			result = append(result, copyEntry(e))
		}
	}
	return result, nil
}

func (s *fakeStore) PatchRunningTotal(ctx context.Context, entryID string, runningTotal float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == entryID {
			e.RunningTotal = runningTotal
		}
	}
	return nil
}

func (s *fakeStore) CountOrphanedLinks(ctx context.Context, clientID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]bool)
	for _, e := range s.entries {
		ids[e.ID] = true
	}
	var count int64
	for _, e := range s.entries {
		if e.ClientID == clientID && e.ParentTransactionID != "" && !ids[e.ParentTransactionID] {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) CountOverdueActiveRollovers(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, r := range s.rollovers {
		if r.Status == constants.RolloverStatusActive && !r.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

// ---- AllocationRepo ----

func allocationKey(clientID, month string) string {
	return clientID + "|" + month
}

func (s *fakeStore) GetAllocation(ctx context.Context, clientID, month string) (*MonthlyAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocations[allocationKey(clientID, month)]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (s *fakeStore) CreateAllocation(ctx context.Context, allocation *MonthlyAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := allocationKey(allocation.ClientID, allocation.Month)
	if _, ok := s.allocations[key]; ok {
		return ErrDuplicateKey
	}
	c := *allocation
	s.allocations[key] = &c
	return nil
}

func (s *fakeStore) CloseAllocation(ctx context.Context, allocationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.allocations {
		if a.ID == allocationID {
			a.Status = constants.AllocationStatusClosed
		}
	}
	return nil
}

func (s *fakeStore) AddUsage(ctx context.Context, clientID, month, creditType string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocations[allocationKey(clientID, month)]
	if !ok {
		return nil
	}
	if a.Used == nil {
		a.Used = make(map[string]float64)
	}
	a.Used[creditType] += amount
	return nil
}

func (s *fakeStore) ListActiveRollovers(ctx context.Context, clientID, creditType string, now time.Time) ([]*CreditRollover, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*CreditRollover
	for _, r := range s.rollovers {
		if r.ClientID == clientID && r.CreditType == creditType &&
			r.Status == constants.RolloverStatusActive && r.ExpiresAt.After(now) {
			c := *r
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *fakeStore) CreateRollover(ctx context.Context, rollover *CreditRollover) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rollover.ClientID + "|" + rollover.SourceMonth + "|" + rollover.CreditType
	if s.rolloverKey[key] {
		return ErrDuplicateKey
	}
	s.rolloverKey[key] = true
	c := *rollover
	s.rollovers[rollover.ID] = &c
	return nil
}

func (s *fakeStore) UpdateRolloverUsage(ctx context.Context, rolloverID string, amountUsed float64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rollovers[rolloverID]; ok {
		r.AmountUsed = amountUsed
		r.Status = status
	}
	return nil
}

func (s *fakeStore) ListOverdueActiveRollovers(ctx context.Context, now time.Time, limit int) ([]*CreditRollover, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*CreditRollover
	for _, r := range s.rollovers {
		if r.Status == constants.RolloverStatusActive && !r.ExpiresAt.After(now) {
			c := *r
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *fakeStore) MarkRolloverExpired(ctx context.Context, rolloverID string, amountExpired float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rollovers[rolloverID]; ok && r.Status == constants.RolloverStatusActive {
		r.Status = constants.RolloverStatusExpired
		r.AmountExpired = amountExpired
	}
	return nil
}

func (s *fakeStore) ApplyPendingSubscription(ctx context.Context, clientID string) (*ClientSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[clientID]
	if !ok {
		return nil, fmt.Errorf("subscription not found: %s", clientID)
	}
	if sub.PendingTierID != "" {
		sub.TierID = sub.PendingTierID
		sub.AddOns = sub.PendingAddOns
		sub.PendingTierID = ""
		sub.PendingAddOns = nil
	}
	c := *sub
	return &c, nil
}

// ---- SubscriptionRepo ----

func (s *fakeStore) GetSubscription(ctx context.Context, clientID string) (*ClientSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[clientID]
	if !ok {
		return nil, nil
	}
	c := *sub
	return &c, nil
}

func (s *fakeStore) setSubscription(sub *ClientSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *sub
	s.subs[sub.ClientID] = &c
}

func (s *fakeStore) CreateChange(ctx context.Context, change *SubscriptionChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *change
	s.changes[change.ID] = &c
	return nil
}

func (s *fakeStore) GetChange(ctx context.Context, changeID string) (*SubscriptionChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	change, ok := s.changes[changeID]
	if !ok {
		return nil, nil
	}
	c := *change
	return &c, nil
}

func (s *fakeStore) UpdateChangeStatus(ctx context.Context, changeID, status, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if change, ok := s.changes[changeID]; ok {
		change.Status = status
		change.FailureReason = failureReason
	}
	return nil
}

func (s *fakeStore) CommitChange(ctx context.Context, change *SubscriptionChange, sub *ClientSubscription, promo *PromoBonus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommit {
		return fmt.Errorf("commit rejected")
	}
	if promo != nil {
		if _, ok := s.promos[promo.ClientID]; ok {
			return ErrDuplicateKey
		}
		p := *promo
		s.promos[promo.ClientID] = &p
	}
	c := *sub
	s.subs[sub.ClientID] = &c
	if stored, ok := s.changes[change.ID]; ok {
		stored.Status = constants.ChangeStatusCompleted
		stored.DiscountAmount = change.DiscountAmount
	}
	change.Status = constants.ChangeStatusCompleted
	return nil
}

func (s *fakeStore) GetFulfilledPurchase(ctx context.Context, clientID, packageID string) (*CreditPurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *CreditPurchase
	for _, p := range s.purchases {
		if p.ClientID == clientID && p.PackageID == packageID && p.Status == constants.PurchaseStatusFulfilled {
			if latest == nil || (p.FulfilledAt != nil && latest.FulfilledAt != nil && p.FulfilledAt.After(*latest.FulfilledAt)) {
				c := *p
				latest = &c
			}
		}
	}
	return latest, nil
}

func (s *fakeStore) GetPromoBonus(ctx context.Context, clientID string) (*PromoBonus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promos[clientID]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (s *fakeStore) CreatePromoBonus(ctx context.Context, promo *PromoBonus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.promos[promo.ClientID]; ok {
		return ErrDuplicateKey
	}
	c := *promo
	s.promos[promo.ClientID] = &c
	return nil
}

// ---- PurchaseRepo ----

func (s *fakeStore) GetPurchaseByPaymentID(ctx context.Context, paymentID string) (*CreditPurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.purchases {
		if p.PaymentID == paymentID {
			c := *p
			return &c, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetPurchaseByOrderID(ctx context.Context, orderID string) (*CreditPurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[orderID]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (s *fakeStore) CreatePurchase(ctx context.Context, purchase *CreditPurchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.purchases[purchase.OrderID]; ok {
		return ErrDuplicateKey
	}
	c := *purchase
	s.purchases[purchase.OrderID] = &c
	return nil
}

func (s *fakeStore) MarkPurchase(ctx context.Context, orderID, paymentID, status string, fulfilledAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[orderID]
	if !ok {
		return fmt.Errorf("purchase not found: %s", orderID)
	}
	p.PaymentID = paymentID
	p.Status = status
	if fulfilledAt != nil {
		p.FulfilledAt = fulfilledAt
	}
	return nil
}

// ---- 测试装配 ----

func testConfig() *CreditConfig {
	return &CreditConfig{
		Tiers: map[string]*TierConfig{
			"tier_basic": {
				ID: "tier_basic", Name: "Basic", MonthlyPrice: 1000, Rank: 1,
				Credits: map[string]float64{
					constants.CreditTypeLead:     100,
					constants.CreditTypeEmail:    400,
					constants.CreditTypeLinkedin: 20,
				},
			},
			"tier_growth": {
				ID: "tier_growth", Name: "Growth", MonthlyPrice: 4000, Rank: 2, PromoEligible: true,
				Credits: map[string]float64{
					constants.CreditTypeLead:     400,
					constants.CreditTypeEmail:    1600,
					constants.CreditTypeLinkedin: 80,
					constants.CreditTypeABM:      20,
				},
			},
		},
		AddOns: map[string]*AddOnConfig{
			"addon_leads": {
				ID: "addon_leads", Name: "Extra Leads", MonthlyPrice: 100,
				Credits: map[string]float64{constants.CreditTypeLead: 50},
			},
		},
		Packages: map[string]*PackageConfig{
			"pkg_starter": {
				ID: "pkg_starter", Name: "Starter", Price: 49,
				Credits: map[string]float64{
					constants.CreditTypeLead:  200,
					constants.CreditTypeEmail: 1000,
				},
			},
		},
		StarterPackageID:   "pkg_starter",
		OverdraftLimit:     0,
		MaxClientsPerSweep: 500,
	}
}

type testEnv struct {
	store        *fakeStore
	ledger       *LedgerUseCase
	reconcile    *ReconcileUseCase
	allocation   *AllocationUseCase
	subscription *SubscriptionUseCase
	credit       *CreditUseCase
}

func newTestEnv() *testEnv {
	store := newFakeStore()
	conf := testConfig()
	logger := log.NewStdLogger(nopWriter{})

	ledger := NewLedgerUseCase(store, conf, logger)
	reconcile := NewReconcileUseCase(store, conf, logger)
	allocation := NewAllocationUseCase(store, ledger, conf, logger)
	subscription := NewSubscriptionUseCase(store, conf, logger)
	credit := NewCreditUseCase(ledger, reconcile, allocation, subscription, store, conf, logger)

	return &testEnv{
		store:        store,
		ledger:       ledger,
		reconcile:    reconcile,
		allocation:   allocation,
		subscription: subscription,
		credit:       credit,
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

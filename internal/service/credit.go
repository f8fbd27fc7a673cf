package service

import (
	"context"
	"time"

	"credit-service/internal/biz"
	"credit-service/internal/constants"

	"github.com/go-kratos/kratos/v2/log"
)

// CreditService 面向内部模块的积分服务（HTTP JSON）
type CreditService struct {
	uc  *biz.CreditUseCase
	log *log.Helper
}

// NewCreditService 创建 CreditService
func NewCreditService(uc *biz.CreditUseCase, logger log.Logger) *CreditService {
	return &CreditService{
		uc:  uc,
		log: log.NewHelper(logger),
	}
}

// LedgerEntryReply 流水返回体
type LedgerEntryReply struct {
	EntryID             string  `json:"entry_id"`
	IdempotencyKey      string  `json:"idempotency_key"`
	ClientID            string  `json:"client_id"`
	CreditType          string  `json:"credit_type"`
	DebitAmount         float64 `json:"debit_amount"`
	CreditAmount        float64 `json:"credit_amount"`
	NetAmount           float64 `json:"net_amount"`
	TransactionType     string  `json:"transaction_type"`
	BalanceAfter        float64 `json:"balance_after"`
	RunningTotal        float64 `json:"running_total"`
	Status              string  `json:"status"`
	ParentTransactionID string  `json:"parent_transaction_id,omitempty"`
	CreatedAt           string  `json:"created_at"`
}

func entryReply(e *biz.LedgerEntry) *LedgerEntryReply {
	return &LedgerEntryReply{
		EntryID:             e.ID,
		IdempotencyKey:      e.IdempotencyKey,
		ClientID:            e.ClientID,
		CreditType:          e.CreditType,
		DebitAmount:         e.DebitAmount,
		CreditAmount:        e.CreditAmount,
		NetAmount:           e.NetAmount,
		TransactionType:     e.TransactionType,
		BalanceAfter:        e.BalanceAfter,
		RunningTotal:        e.RunningTotal,
		Status:              e.Status,
		ParentTransactionID: e.ParentTransactionID,
		CreatedAt:           e.CreatedAt.Format(time.RFC3339),
	}
}

// ApplyRequest 记账请求
type ApplyRequest struct {
	ClientID        string  `json:"client_id"`
	CreditType      string  `json:"credit_type"`
	Amount          float64 `json:"amount"` // 正数加、负数减
	TransactionType string  `json:"transaction_type"`
	IdempotencyKey  string  `json:"idempotency_key"`
}

// Apply 幂等记账
func (s *CreditService) Apply(ctx context.Context, req *ApplyRequest) (*LedgerEntryReply, error) {
	transactionType := req.TransactionType
	if transactionType == "" {
		if req.Amount < 0 {
			transactionType = constants.TransactionTypeUsage
		} else {
			transactionType = constants.TransactionTypePurchase
		}
	}
	entry, err := s.uc.Apply(ctx, req.ClientID, req.CreditType, req.Amount, transactionType, req.IdempotencyKey)
	if err != nil {
		s.log.Errorf("Apply failed: client=%s, type=%s, amount=%.2f: %v",
			req.ClientID, req.CreditType, req.Amount, err)
		return nil, err
	}
	return entryReply(entry), nil
}

// GetBalanceRequest 余额查询请求
type GetBalanceRequest struct {
	ClientID   string `json:"client_id"`
	CreditType string `json:"credit_type"`
}

// GetBalanceReply 余额查询返回体
type GetBalanceReply struct {
	ClientID   string  `json:"client_id"`
	CreditType string  `json:"credit_type"`
	Balance    float64 `json:"balance"`
}

// GetBalance 查询指定积分类型余额
func (s *CreditService) GetBalance(ctx context.Context, req *GetBalanceRequest) (*GetBalanceReply, error) {
	balance, err := s.uc.GetBalance(ctx, req.ClientID, req.CreditType)
	if err != nil {
		s.log.Errorf("GetBalance failed: client=%s, type=%s: %v", req.ClientID, req.CreditType, err)
		return nil, err
	}
	return &GetBalanceReply{
		ClientID:   req.ClientID,
		CreditType: req.CreditType,
		Balance:    balance,
	}, nil
}

// GetAccountRequest 账户总览请求
type GetAccountRequest struct {
	ClientID string `json:"client_id"`
}

// AllocationReply 月度额度返回体
type AllocationReply struct {
	Month      string             `json:"month"`
	Base       map[string]float64 `json:"base"`
	AddOn      map[string]float64 `json:"add_on"`
	RolloverIn map[string]float64 `json:"rollover_in"`
	Used       map[string]float64 `json:"used"`
	Status     string             `json:"status"`
}

// GetAccountReply 账户总览返回体
type GetAccountReply struct {
	ClientID   string             `json:"client_id"`
	Balances   map[string]float64 `json:"balances"`
	Allocation *AllocationReply   `json:"allocation,omitempty"`
}

// GetAccount 账户总览（余额 + 当期额度）
func (s *CreditService) GetAccount(ctx context.Context, req *GetAccountRequest) (*GetAccountReply, error) {
	balances, allocation, err := s.uc.GetAccount(ctx, req.ClientID, time.Now())
	if err != nil {
		s.log.Errorf("GetAccount failed: client=%s: %v", req.ClientID, err)
		return nil, err
	}

	reply := &GetAccountReply{
		ClientID: req.ClientID,
		Balances: balances,
	}
	if allocation != nil {
		reply.Allocation = &AllocationReply{
			Month:      allocation.Month,
			Base:       allocation.Base,
			AddOn:      allocation.AddOn,
			RolloverIn: allocation.RolloverIn,
			Used:       allocation.Used,
			Status:     allocation.Status,
		}
	}
	return reply, nil
}

// ListEntriesRequest 流水查询请求
type ListEntriesRequest struct {
	ClientID string `json:"client_id"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// ListEntriesReply 流水查询返回体
type ListEntriesReply struct {
	Entries []*LedgerEntryReply `json:"entries"`
	Total   int64               `json:"total"`
}

// ListEntries 分页查询流水
func (s *CreditService) ListEntries(ctx context.Context, req *ListEntriesRequest) (*ListEntriesReply, error) {
	entries, total, err := s.uc.Ledger().ListEntries(ctx, req.ClientID, req.Page, req.PageSize)
	if err != nil {
		s.log.Errorf("ListEntries failed: client=%s: %v", req.ClientID, err)
		return nil, err
	}

	reply := &ListEntriesReply{
		Entries: make([]*LedgerEntryReply, 0, len(entries)),
		Total:   total,
	}
	for _, e := range entries {
		reply.Entries = append(reply.Entries, entryReply(e))
	}
	return reply, nil
}

// ReverseRequest 冲正请求
type ReverseRequest struct {
	EntryID        string `json:"entry_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Reverse 冲正一条流水
func (s *CreditService) Reverse(ctx context.Context, req *ReverseRequest) (*LedgerEntryReply, error) {
	entry, err := s.uc.Ledger().Reverse(ctx, req.EntryID, req.IdempotencyKey)
	if err != nil {
		s.log.Errorf("Reverse failed: entry=%s: %v", req.EntryID, err)
		return nil, err
	}
	return entryReply(entry), nil
}

// ReconcileReply 对账返回体
type ReconcileReply struct {
	ClientsProcessed   int      `json:"clients_processed"`
	CorrectionsApplied int      `json:"corrections_applied"`
	Errors             []string `json:"errors,omitempty"`
}

// Reconcile 全量余额对账
func (s *CreditService) Reconcile(ctx context.Context) (*ReconcileReply, error) {
	report, err := s.uc.Reconcile().ReconcileBalances(ctx)
	if err != nil {
		s.log.Errorf("Reconcile failed: %v", err)
		return nil, err
	}
	return &ReconcileReply{
		ClientsProcessed:   report.ClientsProcessed,
		CorrectionsApplied: report.CorrectionsApplied,
		Errors:             report.Errors,
	}, nil
}

// RepairReply running_total 修补返回体
type RepairReply struct {
	ClientsProcessed int      `json:"clients_processed"`
	EntriesFixed     int      `json:"entries_fixed"`
	Errors           []string `json:"errors,omitempty"`
}

// RepairRunningTotals 重放修补 running_total
func (s *CreditService) RepairRunningTotals(ctx context.Context) (*RepairReply, error) {
	report, err := s.uc.Reconcile().RepairRunningTotals(ctx)
	if err != nil {
		s.log.Errorf("RepairRunningTotals failed: %v", err)
		return nil, err
	}
	return &RepairReply{
		ClientsProcessed: report.ClientsProcessed,
		EntriesFixed:     report.EntriesFixed,
		Errors:           report.Errors,
	}, nil
}

// IntegrityFindingReply 体检发现返回体
type IntegrityFindingReply struct {
	ClientID   string `json:"client_id,omitempty"`
	CreditType string `json:"credit_type,omitempty"`
	Severity   string `json:"severity"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
}

// IntegrityReply 体检返回体
type IntegrityReply struct {
	Status         string                   `json:"status"`
	ClientsChecked int                      `json:"clients_checked"`
	Findings       []*IntegrityFindingReply `json:"findings,omitempty"`
	CheckedAt      string                   `json:"checked_at"`
}

func integrityReply(report *biz.IntegrityReport) *IntegrityReply {
	reply := &IntegrityReply{
		Status:         report.Status,
		ClientsChecked: report.ClientsChecked,
		CheckedAt:      report.CheckedAt.Format(time.RFC3339),
	}
	for _, f := range report.Findings {
		reply.Findings = append(reply.Findings, &IntegrityFindingReply{
			ClientID:   f.ClientID,
			CreditType: f.CreditType,
			Severity:   f.Severity,
			Kind:       f.Kind,
			Detail:     f.Detail,
		})
	}
	return reply
}

// VerifyIntegrityRequest 体检请求
type VerifyIntegrityRequest struct {
	MaxClients int `json:"max_clients"`
}

// VerifyIntegrity 有界成本体检
func (s *CreditService) VerifyIntegrity(ctx context.Context, req *VerifyIntegrityRequest) (*IntegrityReply, error) {
	report := s.uc.Reconcile().VerifyIntegrity(ctx, req.MaxClients)
	return integrityReply(report), nil
}

// SystemRepairReply 全量修复返回体
type SystemRepairReply struct {
	Balances      *ReconcileReply `json:"balances"`
	RunningTotals *RepairReply    `json:"running_totals"`
	PostCheck     *IntegrityReply `json:"post_check"`
}

// RunSystemRepair 全量修复（对账 + 修补 + 修复后体检）
func (s *CreditService) RunSystemRepair(ctx context.Context) (*SystemRepairReply, error) {
	report, err := s.uc.Reconcile().RunCompleteSystemRepair(ctx)
	if err != nil {
		s.log.Errorf("RunSystemRepair failed: %v", err)
		return nil, err
	}
	return &SystemRepairReply{
		Balances: &ReconcileReply{
			ClientsProcessed:   report.Balances.ClientsProcessed,
			CorrectionsApplied: report.Balances.CorrectionsApplied,
			Errors:             report.Balances.Errors,
		},
		RunningTotals: &RepairReply{
			ClientsProcessed: report.RunningTotals.ClientsProcessed,
			EntriesFixed:     report.RunningTotals.EntriesFixed,
			Errors:           report.RunningTotals.Errors,
		},
		PostCheck: integrityReply(report.PostCheck),
	}, nil
}

// ChangeSubscriptionRequest 订阅变更请求
type ChangeSubscriptionRequest struct {
	ClientID string               `json:"client_id"`
	TierID   string               `json:"tier_id"`
	AddOns   []biz.AddOnSelection `json:"add_ons"`
}

// SubscriptionChangeReply 订阅变更返回体
type SubscriptionChangeReply struct {
	ChangeID        string  `json:"change_id"`
	ClientID        string  `json:"client_id"`
	OldTierID       string  `json:"old_tier_id"`
	NewTierID       string  `json:"new_tier_id"`
	ProratedAmount  float64 `json:"prorated_amount"`
	NextCycleAmount float64 `json:"next_cycle_amount"`
	DiscountAmount  float64 `json:"discount_amount"`
	EffectiveAt     string  `json:"effective_at"`
	Deferred        bool    `json:"deferred"`
	Status          string  `json:"status"`
}

func changeReply(change *biz.SubscriptionChange) *SubscriptionChangeReply {
	return &SubscriptionChangeReply{
		ChangeID:        change.ID,
		ClientID:        change.ClientID,
		OldTierID:       change.OldTierID,
		NewTierID:       change.NewTierID,
		ProratedAmount:  change.ProratedAmount,
		NextCycleAmount: change.NextCycleAmount,
		DiscountAmount:  change.DiscountAmount,
		EffectiveAt:     change.EffectiveAt.Format(time.RFC3339),
		Deferred:        change.Deferred,
		Status:          change.Status,
	}
}

// ChangeSubscription 发起订阅变更（升级立即生效，降级下账期生效）
func (s *CreditService) ChangeSubscription(ctx context.Context, req *ChangeSubscriptionRequest) (*SubscriptionChangeReply, error) {
	change, err := s.uc.Subscription().RequestChange(ctx, req.ClientID, req.TierID, req.AddOns, time.Now())
	if err != nil {
		s.log.Errorf("ChangeSubscription failed: client=%s, tier=%s: %v", req.ClientID, req.TierID, err)
		return nil, err
	}
	return changeReply(change), nil
}

// CancelChangeRequest 取消订阅变更请求
type CancelChangeRequest struct {
	ChangeID string `json:"change_id"`
}

// CancelChange 取消 pending 的订阅变更
func (s *CreditService) CancelChange(ctx context.Context, req *CancelChangeRequest) (*SubscriptionChangeReply, error) {
	if err := s.uc.Subscription().CancelChange(ctx, req.ChangeID); err != nil {
		s.log.Errorf("CancelChange failed: change=%s: %v", req.ChangeID, err)
		return nil, err
	}
	change, err := s.uc.Subscription().GetChange(ctx, req.ChangeID)
	if err != nil {
		return nil, err
	}
	return changeReply(change), nil
}

// PromotionEligibilityRequest 优惠资格查询请求
type PromotionEligibilityRequest struct {
	ClientID string `json:"client_id"`
}

// PromotionEligibilityReply 优惠资格查询返回体
type PromotionEligibilityReply struct {
	ClientID string `json:"client_id"`
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// CheckPromotionEligibility 查询新手包升级优惠资格
func (s *CreditService) CheckPromotionEligibility(ctx context.Context, req *PromotionEligibilityRequest) (*PromotionEligibilityReply, error) {
	eligible, reason, err := s.uc.Subscription().CheckPromotionEligibility(ctx, req.ClientID, time.Now())
	if err != nil {
		s.log.Errorf("CheckPromotionEligibility failed: client=%s: %v", req.ClientID, err)
		return nil, err
	}
	return &PromotionEligibilityReply{
		ClientID: req.ClientID,
		Eligible: eligible,
		Reason:   reason,
	}, nil
}

// ApplyPromotionRequest 应用优惠请求
type ApplyPromotionRequest struct {
	ClientID string `json:"client_id"`
	ChangeID string `json:"change_id"`
}

// ApplyPromotionReply 应用优惠返回体
type ApplyPromotionReply struct {
	PromoID  string  `json:"promo_id"`
	ClientID string  `json:"client_id"`
	Amount   float64 `json:"amount"`
}

// ApplyPromotion 应用新手包升级优惠（每客户一次）
func (s *CreditService) ApplyPromotion(ctx context.Context, req *ApplyPromotionRequest) (*ApplyPromotionReply, error) {
	promo, err := s.uc.Subscription().ApplyPromotion(ctx, req.ClientID, req.ChangeID, time.Now())
	if err != nil {
		s.log.Errorf("ApplyPromotion failed: client=%s: %v", req.ClientID, err)
		return nil, err
	}
	return &ApplyPromotionReply{
		PromoID:  promo.ID,
		ClientID: promo.ClientID,
		Amount:   promo.Amount,
	}, nil
}

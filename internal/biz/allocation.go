package biz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credit-service/internal/constants"
	"credit-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// MonthlyAllocation 月度额度领域对象
type MonthlyAllocation struct {
	ID         string
	ClientID   string
	Month      string // 2026-08
	Base       map[string]float64
	AddOn      map[string]float64
	RolloverIn map[string]float64
	Used       map[string]float64
	Status     string
	CreatedAt  time.Time
}

// GrantedOf 当期发放总额（基础 + 加购，不含结转）
func (a *MonthlyAllocation) GrantedOf(creditType string) float64 {
	return a.Base[creditType] + a.AddOn[creditType]
}

// CreditRollover 积分结转领域对象
type CreditRollover struct {
	ID            string
	ClientID      string
	CreditType    string
	SourceMonth   string
	TargetMonth   string
	AmountRolled  float64
	AmountUsed    float64
	AmountExpired float64
	ExpiresAt     time.Time
	Status        string
	CreatedAt     time.Time
}

// Remaining 剩余可用结转额
func (r *CreditRollover) Remaining() float64 {
	return r.AmountRolled - r.AmountUsed
}

// AllocationRepo 月度额度与结转数据层接口（定义在 biz 层）
type AllocationRepo interface {
	ClientRepo
	// GetAllocation 查询月度额度（不存在返回 nil, nil）
	GetAllocation(ctx context.Context, clientID, month string) (*MonthlyAllocation, error)
	// CreateAllocation 创建月度额度（(client, month) 唯一，冲突返回 ErrDuplicateKey）
	CreateAllocation(ctx context.Context, allocation *MonthlyAllocation) error
	// CloseAllocation 把月度额度置为 closed
	CloseAllocation(ctx context.Context, allocationID string) error
	// AddUsage 累加当期消耗计数
	AddUsage(ctx context.Context, clientID, month, creditType string, amount float64) error
	// ListActiveRollovers 按创建时间升序返回未过期的 active 结转
	ListActiveRollovers(ctx context.Context, clientID, creditType string, now time.Time) ([]*CreditRollover, error)
	// CreateRollover 创建结转（(client, sourceMonth, type) 唯一，冲突返回 ErrDuplicateKey）
	CreateRollover(ctx context.Context, rollover *CreditRollover) error
	// UpdateRolloverUsage 更新结转消耗与状态
	UpdateRolloverUsage(ctx context.Context, rolloverID string, amountUsed float64, status string) error
	// ListOverdueActiveRollovers 返回已到期仍 active 的结转（最多 limit 条）
	ListOverdueActiveRollovers(ctx context.Context, now time.Time, limit int) ([]*CreditRollover, error)
	// MarkRolloverExpired 把结转置为 expired 并记录作废额
	MarkRolloverExpired(ctx context.Context, rolloverID string, amountExpired float64) error
	// GetSubscription 查询客户当前订阅（不存在返回 nil, nil）
	GetSubscription(ctx context.Context, clientID string) (*ClientSubscription, error)
	// ApplyPendingSubscription 把延迟生效的降级切换为当前订阅，返回切换后的订阅
	ApplyPendingSubscription(ctx context.Context, clientID string) (*ClientSubscription, error)
}

// SweepReport 批处理任务结果（月度刷新 / 结转清扫）
type SweepReport struct {
	Processed int
	Skipped   int
	Errors    []string
}

// AllocationUseCase 月度额度与结转业务逻辑
// 发放、作废、结转全部以账本流水为载体，幂等键确定性生成，cron 重复触发安全
type AllocationUseCase struct {
	repo    AllocationRepo
	ledger  *LedgerUseCase
	conf    *CreditConfig
	log     *log.Helper
	metrics *metrics.CreditMetrics
}

// NewAllocationUseCase 创建月度额度 UseCase
func NewAllocationUseCase(repo AllocationRepo, ledger *LedgerUseCase, conf *CreditConfig, logger log.Logger) *AllocationUseCase {
	return &AllocationUseCase{
		repo:    repo,
		ledger:  ledger,
		conf:    conf,
		log:     log.NewHelper(logger),
		metrics: metrics.GetMetrics(),
	}
}

// MonthStart 账期月份字符串对应的起始时刻（UTC）
func MonthStart(month string) (time.Time, error) {
	return time.Parse(constants.TimeFormatMonth, month)
}

// PrevMonth 上一个账期
func PrevMonth(month string) (string, error) {
	t, err := MonthStart(month)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, -1, 0).Format(constants.TimeFormatMonth), nil
}

// OpenMonth 开启客户新账期
// 计算基础档位 + 加购发放，入账 bonus 流水；未过期 active 结转的剩余额
// 以 rollover 流水重新入账。重复调用是 no-op（额度行唯一 + 流水幂等键确定性）
func (uc *AllocationUseCase) OpenMonth(ctx context.Context, clientID, month string, now time.Time) (*MonthlyAllocation, error) {
	existing, err := uc.repo.GetAllocation(ctx, clientID, month)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	sub, err := uc.repo.GetSubscription(ctx, clientID)
	if err != nil {
		return nil, err
	}
	// 降级延迟生效：新账期开启时切换
	if sub != nil && sub.PendingTierID != "" {
		sub, err = uc.repo.ApplyPendingSubscription(ctx, clientID)
		if err != nil {
			return nil, err
		}
	}

	allocation := &MonthlyAllocation{
		ID:         uuid.New().String(),
		ClientID:   clientID,
		Month:      month,
		Base:       make(map[string]float64),
		AddOn:      make(map[string]float64),
		RolloverIn: make(map[string]float64),
		Used:       make(map[string]float64),
		Status:     constants.AllocationStatusOpen,
		CreatedAt:  now,
	}

	if sub != nil {
		tier, ok := uc.conf.Tiers[sub.TierID]
		if !ok {
			return nil, fmt.Errorf("subscription of client %s references unknown tier %s", clientID, sub.TierID)
		}
		for creditType, amount := range tier.Credits {
			allocation.Base[creditType] = amount
		}
		for _, sel := range sub.AddOns {
			addOn, ok := uc.conf.AddOns[sel.AddOnID]
			if !ok {
				return nil, fmt.Errorf("subscription of client %s references unknown add-on %s", clientID, sel.AddOnID)
			}
			for creditType, amount := range addOn.Credits {
				allocation.AddOn[creditType] += amount * float64(sel.Quantity)
			}
		}
	}

	// 结转入账额先算好落在额度行上，再逐条入账
	rolloversIn := make(map[string][]*CreditRollover)
	for _, creditType := range constants.RolloverCreditTypes {
		rollovers, err := uc.repo.ListActiveRollovers(ctx, clientID, creditType, now)
		if err != nil {
			return nil, err
		}
		for _, r := range rollovers {
			if r.Remaining() <= 0 {
				continue
			}
			allocation.RolloverIn[creditType] += r.Remaining()
			rolloversIn[creditType] = append(rolloversIn[creditType], r)
		}
	}

	if err := uc.repo.CreateAllocation(ctx, allocation); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// cron 重复触发，另一次执行已建行
			return uc.repo.GetAllocation(ctx, clientID, month)
		}
		return nil, err
	}

	// 发放流水：幂等键确定性，重复执行不会二次入账
	for _, creditType := range constants.CreditTypes {
		granted := allocation.GrantedOf(creditType)
		if granted <= 0 {
			continue
		}
		key := fmt.Sprintf("alloc:%s:%s:%s", clientID, month, creditType)
		if _, err := uc.ledger.Apply(ctx, clientID, creditType, granted, constants.TransactionTypeBonus, key); err != nil {
			return nil, err
		}
	}
	for creditType, rollovers := range rolloversIn {
		for _, r := range rollovers {
			key := fmt.Sprintf("rollin:%s:%s", r.ID, month)
			if _, err := uc.ledger.Apply(ctx, clientID, creditType, r.Remaining(), constants.TransactionTypeRollover, key); err != nil {
				return nil, err
			}
		}
	}

	uc.log.Infof("opened month %s for client %s: base+addon=%v, rollover_in=%v",
		month, clientID, allocation.Base, allocation.RolloverIn)
	return allocation, nil
}

// CloseMonth 关闭客户账期
// lead/email：余额清零（rollover 流水扣出），当期新发未用部分生成结转行；
// linkedin/abm：余额作废（correction 流水），明确的产品规则，永不生成结转行
func (uc *AllocationUseCase) CloseMonth(ctx context.Context, clientID, month string, now time.Time) error {
	allocation, err := uc.repo.GetAllocation(ctx, clientID, month)
	if err != nil {
		return err
	}
	if allocation == nil || allocation.Status == constants.AllocationStatusClosed {
		return nil
	}

	sourceStart, err := MonthStart(month)
	if err != nil {
		return err
	}
	targetMonth := sourceStart.AddDate(0, 1, 0).Format(constants.TimeFormatMonth)

	for _, creditType := range constants.CreditTypes {
		remaining, err := uc.ledger.GetBalance(ctx, clientID, creditType)
		if err != nil {
			return err
		}

		if constants.IsRolloverType(creditType) {
			// 当期新发放中未消耗的部分才进入结转；结转入账的剩余部分
			// 由原结转行继续承载，下个账期重新入账。
			// 消耗先进先出冲抵结转，算新发放的净消耗时先扣掉结转承担的部分
			usedAgainstNew := allocation.Used[creditType] - allocation.RolloverIn[creditType]
			if usedAgainstNew < 0 {
				usedAgainstNew = 0
			}
			unusedNew := allocation.GrantedOf(creditType) - usedAgainstNew
			if unusedNew < 0 {
				unusedNew = 0
			}
			if remaining > 0 && unusedNew > remaining {
				unusedNew = remaining
			}
			if unusedNew > 0 {
				rollover := &CreditRollover{
					ID:           uuid.New().String(),
					ClientID:     clientID,
					CreditType:   creditType,
					SourceMonth:  month,
					TargetMonth:  targetMonth,
					AmountRolled: unusedNew,
					ExpiresAt:    sourceStart.AddDate(0, constants.RolloverExpiryMonths, 0),
					Status:       constants.RolloverStatusActive,
					CreatedAt:    now,
				}
				if err := uc.repo.CreateRollover(ctx, rollover); err != nil && !errors.Is(err, ErrDuplicateKey) {
					return err
				}
				if uc.metrics != nil {
					uc.metrics.RolloverCreatedTotal.WithLabelValues(creditType).Inc()
				}
			}
			if remaining > 0 {
				key := fmt.Sprintf("rollout:%s:%s:%s", clientID, month, creditType)
				if _, err := uc.ledger.Apply(ctx, clientID, creditType, -remaining, constants.TransactionTypeRollover, key); err != nil {
					return err
				}
			}
		} else if remaining > 0 {
			key := fmt.Sprintf("lapse:%s:%s:%s", clientID, month, creditType)
			if _, err := uc.ledger.Apply(ctx, clientID, creditType, -remaining, constants.TransactionTypeCorrection, key); err != nil {
				return err
			}
		}
	}

	return uc.repo.CloseAllocation(ctx, allocation.ID)
}

// RefreshMonth 月度刷新（每月 1 日 cron）：关闭上个账期并开启新账期
// 逐客户独立处理，单客户失败收集进错误列表，不中断、不自动重试
func (uc *AllocationUseCase) RefreshMonth(ctx context.Context, month string, now time.Time) (*SweepReport, error) {
	prev, err := PrevMonth(month)
	if err != nil {
		return nil, err
	}

	clientIDs, err := uc.repo.ListClientIDs(ctx, uc.conf.MaxClientsPerSweep)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{}
	for _, clientID := range clientIDs {
		if err := uc.CloseMonth(ctx, clientID, prev, now); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("close %s for client %s: %v", prev, clientID, err))
			continue
		}
		if _, err := uc.OpenMonth(ctx, clientID, month, now); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("open %s for client %s: %v", month, clientID, err))
			continue
		}
		report.Processed++
	}

	uc.log.Infof("RefreshMonth completed: month=%s, processed=%d, errors=%d",
		month, report.Processed, len(report.Errors))
	return report, nil
}

// ExpireRollovers 结转过期清扫（定时任务，读路径禁止惰性判定）
// active 且已到期的结转置为 expired 并记录作废额。不动余额：账期关闭时
// 余额已整体清零，新账期开启只重新入账未过期的结转，到期结转的价值在
// 开启时即被排除，这里再扣一次会烧掉当期的新发放。
// 作废只记日志与指标，不向调用方抛错
func (uc *AllocationUseCase) ExpireRollovers(ctx context.Context, now time.Time) (*SweepReport, error) {
	rollovers, err := uc.repo.ListOverdueActiveRollovers(ctx, now, uc.conf.MaxClientsPerSweep)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{}
	for _, r := range rollovers {
		expired := r.Remaining()
		if expired < 0 {
			expired = 0
		}
		if err := uc.repo.MarkRolloverExpired(ctx, r.ID, expired); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("rollover %s: %v", r.ID, err))
			continue
		}
		report.Processed++
		uc.log.Infof("rollover expired: id=%s, client=%s, type=%s, forfeited=%.2f",
			r.ID, r.ClientID, r.CreditType, expired)
		if uc.metrics != nil {
			uc.metrics.RolloverExpiredTotal.WithLabelValues(r.CreditType).Inc()
			uc.metrics.RolloverExpiredAmount.WithLabelValues(r.CreditType).Add(expired)
		}
	}
	return report, nil
}

// RecordUsage 归账当期消耗
// 累加月度额度消耗计数，并按创建时间先进先出冲抵 active 结转的可用额。
// 计数是审计数据，不参与余额推导，与账本写入非原子可接受
func (uc *AllocationUseCase) RecordUsage(ctx context.Context, clientID, creditType string, amount float64, now time.Time) error {
	if amount <= 0 {
		return nil
	}
	month := now.Format(constants.TimeFormatMonth)
	if err := uc.repo.AddUsage(ctx, clientID, month, creditType, amount); err != nil {
		return err
	}

	if !constants.IsRolloverType(creditType) {
		return nil
	}
	rollovers, err := uc.repo.ListActiveRollovers(ctx, clientID, creditType, now)
	if err != nil {
		return err
	}
	left := amount
	for _, r := range rollovers {
		if left <= 0 {
			break
		}
		available := r.Remaining()
		if available <= 0 {
			continue
		}
		consume := left
		if consume > available {
			consume = available
		}
		used := r.AmountUsed + consume
		status := constants.RolloverStatusActive
		if r.AmountRolled-used <= constants.BalanceEpsilon {
			status = constants.RolloverStatusFullyUsed
		}
		if err := uc.repo.UpdateRolloverUsage(ctx, r.ID, used, status); err != nil {
			return err
		}
		left -= consume
	}
	return nil
}

// GetAllocation 查询月度额度
func (uc *AllocationUseCase) GetAllocation(ctx context.Context, clientID, month string) (*MonthlyAllocation, error) {
	return uc.repo.GetAllocation(ctx, clientID, month)
}

package biz

import (
	"context"
	"fmt"
	"math"
	"time"

	"credit-service/internal/constants"
	"credit-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

// ReconcileReport 余额对账结果
type ReconcileReport struct {
	ClientsProcessed   int
	CorrectionsApplied int
	Errors             []string
}

// RepairReport running_total 修补结果
type RepairReport struct {
	ClientsProcessed int
	EntriesFixed     int
	Errors           []string
}

// SystemRepairReport 全量修复结果（对账 + running_total 修补 + 修复后体检）
type SystemRepairReport struct {
	Balances      *ReconcileReport
	RunningTotals *RepairReport
	PostCheck     *IntegrityReport
}

// IntegrityFinding 体检发现的问题
type IntegrityFinding struct {
	ClientID   string
	CreditType string
	Severity   string // info / warning / critical
	Kind       string
	Detail     string
}

// IntegrityReport 体检结果
type IntegrityReport struct {
	Status         string // healthy / warning / critical
	ClientsChecked int
	Findings       []IntegrityFinding
	CheckedAt      time.Time
}

// ClientRepo 客户清单数据层接口（批处理分页）
type ClientRepo interface {
	// ListClientIDs 返回账本/余额表中出现过的客户 ID（最多 limit 个）
	ListClientIDs(ctx context.Context, limit int) ([]string, error)
}

// ReconcileRepo 对账数据层接口（定义在 biz 层）
type ReconcileRepo interface {
	ClientRepo
	// SumCompletedNet 按积分类型汇总 completed 流水净额
	SumCompletedNet(ctx context.Context, clientID string) (map[string]float64, error)
	// GetBalanceRecord 直读余额表（绕过缓存；不存在返回 nil, nil）
	GetBalanceRecord(ctx context.Context, clientID string) (*ClientBalance, error)
	// OverwriteBalances 以账本推导值整体覆写余额并刷新缓存
	OverwriteBalances(ctx context.Context, clientID string, balances map[string]float64) error
	// ListEntriesForReplay 按 (created_at, id) 升序返回 completed 流水
	ListEntriesForReplay(ctx context.Context, clientID string) ([]*LedgerEntry, error)
	// PatchRunningTotal 原地修正一条流水的 running_total（修补路径唯一允许的内容修改）
	PatchRunningTotal(ctx context.Context, entryID string, runningTotal float64) error
	// CountOrphanedLinks 统计 parent 指向不存在流水的冲正/修正条数
	CountOrphanedLinks(ctx context.Context, clientID string) (int64, error)
	// CountOverdueActiveRollovers 统计已过期仍为 active 的结转条数（清扫滞后信号）
	CountOverdueActiveRollovers(ctx context.Context, now time.Time) (int64, error)
}

// ReconcileUseCase 对账与修复业务逻辑
// 余额漂移只会被检测并自动修正，永远不会作为错误抛给无关的请求路径
type ReconcileUseCase struct {
	repo    ReconcileRepo
	conf    *CreditConfig
	log     *log.Helper
	metrics *metrics.CreditMetrics
}

// NewReconcileUseCase 创建对账 UseCase
func NewReconcileUseCase(repo ReconcileRepo, conf *CreditConfig, logger log.Logger) *ReconcileUseCase {
	return &ReconcileUseCase{
		repo:    repo,
		conf:    conf,
		log:     log.NewHelper(logger),
		metrics: metrics.GetMetrics(),
	}
}

// ReconcileBalances 全量余额对账
// 逐客户把余额缓存和账本推导值比对（容差 0.01），偏差即覆写缓存并计数。
// 幂等：无新流水时连续执行两次，第二次零修正
func (uc *ReconcileUseCase) ReconcileBalances(ctx context.Context) (*ReconcileReport, error) {
	if uc.metrics != nil {
		uc.metrics.ReconcileRunTotal.Inc()
	}

	clientIDs, err := uc.repo.ListClientIDs(ctx, uc.conf.MaxClientsPerSweep)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	for _, clientID := range clientIDs {
		corrected, err := uc.reconcileClient(ctx, clientID)
		if err != nil {
			// 单客户失败不中断批处理，收集后由调度方决定是否重跑
			report.Errors = append(report.Errors, fmt.Sprintf("client %s: %v", clientID, err))
			continue
		}
		report.ClientsProcessed++
		report.CorrectionsApplied += corrected
	}

	uc.log.Infof("ReconcileBalances completed: clients=%d, corrections=%d, errors=%d",
		report.ClientsProcessed, report.CorrectionsApplied, len(report.Errors))
	return report, nil
}

// reconcileClient 对账单个客户，返回修正的积分类型数
func (uc *ReconcileUseCase) reconcileClient(ctx context.Context, clientID string) (int, error) {
	derived, err := uc.repo.SumCompletedNet(ctx, clientID)
	if err != nil {
		return 0, err
	}
	record, err := uc.repo.GetBalanceRecord(ctx, clientID)
	if err != nil {
		return 0, err
	}

	corrections := 0
	target := make(map[string]float64, len(constants.CreditTypes))
	for _, creditType := range constants.CreditTypes {
		want := derived[creditType]
		got := record.BalanceOf(creditType)
		target[creditType] = want
		if math.Abs(want-got) > constants.BalanceEpsilon {
			corrections++
			if uc.metrics != nil {
				uc.metrics.DriftCorrectionTotal.WithLabelValues(creditType).Inc()
			}
			uc.log.Warnf("balance drift corrected: client=%s, type=%s, cached=%.2f, ledger=%.2f",
				clientID, creditType, got, want)
		}
	}
	if corrections == 0 {
		return 0, nil
	}
	if err := uc.repo.OverwriteBalances(ctx, clientID, target); err != nil {
		return 0, err
	}
	return corrections, nil
}

// RepairRunningTotals 重放修补 running_total
// 逐客户按时间升序重放 completed 流水，重算每积分类型的累计净额，
// 与存量差超过容差的条目原地修正
func (uc *ReconcileUseCase) RepairRunningTotals(ctx context.Context) (*RepairReport, error) {
	clientIDs, err := uc.repo.ListClientIDs(ctx, uc.conf.MaxClientsPerSweep)
	if err != nil {
		return nil, err
	}

	report := &RepairReport{}
	for _, clientID := range clientIDs {
		fixed, err := uc.repairClient(ctx, clientID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("client %s: %v", clientID, err))
			continue
		}
		report.ClientsProcessed++
		report.EntriesFixed += fixed
	}

	uc.log.Infof("RepairRunningTotals completed: clients=%d, fixed=%d, errors=%d",
		report.ClientsProcessed, report.EntriesFixed, len(report.Errors))
	return report, nil
}

func (uc *ReconcileUseCase) repairClient(ctx context.Context, clientID string) (int, error) {
	entries, err := uc.repo.ListEntriesForReplay(ctx, clientID)
	if err != nil {
		return 0, err
	}

	fixed := 0
	cumulative := make(map[string]float64)
	for _, entry := range entries {
		cumulative[entry.CreditType] += entry.NetAmount
		want := cumulative[entry.CreditType]
		if math.Abs(entry.RunningTotal-want) > constants.BalanceEpsilon {
			if err := uc.repo.PatchRunningTotal(ctx, entry.ID, want); err != nil {
				return fixed, err
			}
			fixed++
			if uc.metrics != nil {
				uc.metrics.RunningTotalRepairTotal.Inc()
			}
		}
	}
	return fixed, nil
}

// RunCompleteSystemRepair 全量修复：余额对账 + running_total 修补 + 修复后体检
func (uc *ReconcileUseCase) RunCompleteSystemRepair(ctx context.Context) (*SystemRepairReport, error) {
	balances, err := uc.ReconcileBalances(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := uc.RepairRunningTotals(ctx)
	if err != nil {
		return nil, err
	}
	post := uc.VerifyIntegrity(ctx, uc.conf.MaxClientsPerSweep)

	return &SystemRepairReport{
		Balances:      balances,
		RunningTotals: totals,
		PostCheck:     post,
	}, nil
}

// VerifyIntegrity 有界成本体检
// 检查余额漂移、running_total 错位、超额透支、悬挂 parent 链接和清扫滞后的结转；
// 体检自身出错时整体状态强制 critical（待人工排查），错误不向外抛
func (uc *ReconcileUseCase) VerifyIntegrity(ctx context.Context, maxClientsToCheck int) *IntegrityReport {
	report := &IntegrityReport{
		Status:    constants.IntegrityStatusHealthy,
		CheckedAt: time.Now(),
	}
	if maxClientsToCheck <= 0 {
		maxClientsToCheck = uc.conf.MaxClientsPerSweep
	}

	clientIDs, err := uc.repo.ListClientIDs(ctx, maxClientsToCheck)
	if err != nil {
		uc.failIntegrity(report, fmt.Sprintf("list clients failed: %v", err))
		return report
	}

	for _, clientID := range clientIDs {
		if err := uc.checkClient(ctx, clientID, report); err != nil {
			uc.failIntegrity(report, fmt.Sprintf("client %s check failed: %v", clientID, err))
			return report
		}
		report.ClientsChecked++
	}

	// 已过期仍 active 的结转说明清扫滞后，余额里还挂着应作废的积分
	overdue, err := uc.repo.CountOverdueActiveRollovers(ctx, time.Now())
	if err != nil {
		uc.failIntegrity(report, fmt.Sprintf("rollover check failed: %v", err))
		return report
	}
	if overdue > 0 {
		report.Findings = append(report.Findings, IntegrityFinding{
			Severity: constants.SeverityWarning,
			Kind:     "overdue_rollovers",
			Detail:   fmt.Sprintf("%d active rollovers past expiry, sweep may be lagging", overdue),
		})
	}

	uc.finishIntegrity(report)
	return report
}

func (uc *ReconcileUseCase) checkClient(ctx context.Context, clientID string, report *IntegrityReport) error {
	derived, err := uc.repo.SumCompletedNet(ctx, clientID)
	if err != nil {
		return err
	}
	record, err := uc.repo.GetBalanceRecord(ctx, clientID)
	if err != nil {
		return err
	}

	for _, creditType := range constants.CreditTypes {
		want := derived[creditType]
		got := record.BalanceOf(creditType)
		drift := math.Abs(want - got)
		if drift > constants.BalanceEpsilon {
			severity := constants.SeverityWarning
			// 漂移超过账本推导值的 5% 或绝对值 100 时升级
			if drift > 100 || (math.Abs(want) > 0 && drift/math.Abs(want) > 0.05) {
				severity = constants.SeverityCritical
			}
			report.Findings = append(report.Findings, IntegrityFinding{
				ClientID:   clientID,
				CreditType: creditType,
				Severity:   severity,
				Kind:       "balance_drift",
				Detail:     fmt.Sprintf("cached=%.2f ledger=%.2f", got, want),
			})
		}

		limit := 0.0
		if record != nil && record.AllowOverdraft {
			limit = record.OverdraftLimit
			if limit == 0 {
				limit = uc.conf.OverdraftLimit
			}
		}
		if want < -limit-constants.BalanceEpsilon {
			report.Findings = append(report.Findings, IntegrityFinding{
				ClientID:   clientID,
				CreditType: creditType,
				Severity:   constants.SeverityCritical,
				Kind:       "overdraft_exceeded",
				Detail:     fmt.Sprintf("ledger balance %.2f below overdraft limit %.2f", want, limit),
			})
		}
	}

	// running_total 错位：按重放序重算累计净额，与存量逐条比对
	entries, err := uc.repo.ListEntriesForReplay(ctx, clientID)
	if err != nil {
		return err
	}
	cumulative := make(map[string]float64)
	mismatched := 0
	for _, entry := range entries {
		cumulative[entry.CreditType] += entry.NetAmount
		if math.Abs(entry.RunningTotal-cumulative[entry.CreditType]) > constants.BalanceEpsilon {
			mismatched++
		}
	}
	if mismatched > 0 {
		report.Findings = append(report.Findings, IntegrityFinding{
			ClientID: clientID,
			Severity: constants.SeverityWarning,
			Kind:     "running_total_mismatch",
			Detail:   fmt.Sprintf("%d entries diverge from replayed totals, repairable by RepairRunningTotals", mismatched),
		})
	}

	orphans, err := uc.repo.CountOrphanedLinks(ctx, clientID)
	if err != nil {
		return err
	}
	if orphans > 0 {
		report.Findings = append(report.Findings, IntegrityFinding{
			ClientID: clientID,
			Severity: constants.SeverityWarning,
			Kind:     "orphaned_links",
			Detail:   fmt.Sprintf("%d reversal/correction entries reference missing parents", orphans),
		})
	}
	return nil
}

func (uc *ReconcileUseCase) failIntegrity(report *IntegrityReport, detail string) {
	report.Status = constants.IntegrityStatusCritical
	report.Findings = append(report.Findings, IntegrityFinding{
		Severity: constants.SeverityCritical,
		Kind:     "check_failure",
		Detail:   detail,
	})
	uc.log.Errorf("integrity check failed: %s", detail)
	uc.publishIntegrityStatus(report.Status)
}

func (uc *ReconcileUseCase) finishIntegrity(report *IntegrityReport) {
	for _, f := range report.Findings {
		switch f.Severity {
		case constants.SeverityCritical:
			report.Status = constants.IntegrityStatusCritical
		case constants.SeverityWarning:
			if report.Status != constants.IntegrityStatusCritical {
				report.Status = constants.IntegrityStatusWarning
			}
		}
	}
	uc.publishIntegrityStatus(report.Status)
}

func (uc *ReconcileUseCase) publishIntegrityStatus(status string) {
	if uc.metrics == nil {
		return
	}
	switch status {
	case constants.IntegrityStatusHealthy:
		uc.metrics.IntegrityStatus.Set(0)
	case constants.IntegrityStatusWarning:
		uc.metrics.IntegrityStatus.Set(1)
	default:
		uc.metrics.IntegrityStatus.Set(2)
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CreditMetrics 积分账本服务指标
type CreditMetrics struct {
	// 记账相关指标
	ApplyTotal    *prometheus.CounterVec   // 记账总数（按流水类型、结果：applied/duplicate/rejected/error）
	ApplyDuration *prometheus.HistogramVec // 记账耗时
	ApplyAmount   *prometheus.CounterVec   // 记账净额绝对值（按积分类型、流水类型）

	// 余额相关指标
	BalanceQueryTotal prometheus.Counter // 余额查询总数
	CacheHitTotal     *prometheus.CounterVec // 余额缓存命中情况（hit/miss）

	// 对账相关指标
	ReconcileRunTotal       prometheus.Counter   // 对账执行总数
	DriftCorrectionTotal    *prometheus.CounterVec // 余额漂移修正总数（按积分类型）
	RunningTotalRepairTotal prometheus.Counter   // running_total 修补总数
	IntegrityStatus         prometheus.Gauge     // 体检状态（0 healthy / 1 warning / 2 critical）

	// 结转相关指标
	RolloverCreatedTotal *prometheus.CounterVec // 结转创建总数（按积分类型）
	RolloverExpiredTotal *prometheus.CounterVec // 结转过期总数（按积分类型）
	RolloverExpiredAmount *prometheus.CounterVec // 结转过期作废额（按积分类型）

	// 订阅变更相关指标
	SubscriptionChangeTotal *prometheus.CounterVec // 订阅变更总数（按状态）
	PromotionAppliedTotal   prometheus.Counter     // 新手包优惠应用总数

	// 分布式锁相关指标
	LockAcquireTotal    *prometheus.CounterVec // 锁获取总数（按结果）
	LockAcquireDuration prometheus.Histogram   // 锁获取耗时
}

// NewCreditMetrics 创建积分账本服务指标
func NewCreditMetrics() *CreditMetrics {
	return &CreditMetrics{
		ApplyTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_apply_total",
				Help: "Total number of ledger apply calls",
			},
			[]string{"transaction_type", "result"}, // result: applied/duplicate/rejected/error
		),
		ApplyDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credit_apply_duration_seconds",
				Help:    "Duration of ledger apply operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transaction_type"},
		),
		ApplyAmount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_apply_amount_total",
				Help: "Total absolute net amount applied",
			},
			[]string{"credit_type", "transaction_type"},
		),

		BalanceQueryTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credit_balance_query_total",
				Help: "Total number of balance queries",
			},
		),
		CacheHitTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_balance_cache_total",
				Help: "Balance cache lookups by outcome",
			},
			[]string{"outcome"}, // hit/miss
		),

		ReconcileRunTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credit_reconcile_run_total",
				Help: "Total number of reconciliation runs",
			},
		),
		DriftCorrectionTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_drift_correction_total",
				Help: "Total number of balance drift corrections",
			},
			[]string{"credit_type"},
		),
		RunningTotalRepairTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credit_running_total_repair_total",
				Help: "Total number of running total repairs",
			},
		),
		IntegrityStatus: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "credit_integrity_status",
				Help: "Last integrity check status (0 healthy, 1 warning, 2 critical)",
			},
		),

		RolloverCreatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_rollover_created_total",
				Help: "Total number of rollovers created at period close",
			},
			[]string{"credit_type"},
		),
		RolloverExpiredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_rollover_expired_total",
				Help: "Total number of rollovers expired by the sweep",
			},
			[]string{"credit_type"},
		),
		RolloverExpiredAmount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_rollover_expired_amount_total",
				Help: "Total credit amount forfeited by rollover expiry",
			},
			[]string{"credit_type"},
		),

		SubscriptionChangeTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_subscription_change_total",
				Help: "Total number of subscription changes by final status",
			},
			[]string{"status"},
		),
		PromotionAppliedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credit_promotion_applied_total",
				Help: "Total number of starter upgrade promotions applied",
			},
		),

		LockAcquireTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_lock_acquire_total",
				Help: "Total number of apply lock acquisitions",
			},
			[]string{"result"},
		),
		LockAcquireDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "credit_lock_acquire_duration_seconds",
				Help:    "Duration of apply lock acquisition",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),
	}
}

// 全局指标实例
var defaultMetrics *CreditMetrics

// InitMetrics 初始化全局指标
func InitMetrics() {
	defaultMetrics = NewCreditMetrics()
}

// GetMetrics 获取全局指标实例
func GetMetrics() *CreditMetrics {
	if defaultMetrics == nil {
		InitMetrics()
	}
	return defaultMetrics
}

package constants

// 时间格式常量
const (
	// TimeFormatMonth 账期月份格式 (YYYY-MM)
	TimeFormatMonth = "2006-01"
)

// Redis Key 前缀常量
const (
	// RedisKeyBalance 余额缓存 key 前缀 (balance:<clientID>)
	RedisKeyBalance = "balance:"
	// RedisKeyApplyLock 记账锁 key 前缀 (apply:lock:<clientID>:<creditType>)
	RedisKeyApplyLock = "apply:lock:"
)

// 积分类型常量
const (
	// CreditTypeLead 线索积分
	CreditTypeLead = "lead"
	// CreditTypeEmail 邮件积分
	CreditTypeEmail = "email"
	// CreditTypeLinkedin LinkedIn 积分
	CreditTypeLinkedin = "linkedin"
	// CreditTypeABM ABM 积分
	CreditTypeABM = "abm"
)

// CreditTypes 所有积分类型（遍历顺序固定）
var CreditTypes = []string{CreditTypeLead, CreditTypeEmail, CreditTypeLinkedin, CreditTypeABM}

// RolloverCreditTypes 允许结转的积分类型（产品规则：仅 lead/email 结转，linkedin/abm 月末作废）
var RolloverCreditTypes = []string{CreditTypeLead, CreditTypeEmail}

// 账本流水类型常量
const (
	// TransactionTypePurchase 购买
	TransactionTypePurchase = "purchase"
	// TransactionTypeUsage 消耗
	TransactionTypeUsage = "usage"
	// TransactionTypeBonus 赠送（月度发放）
	TransactionTypeBonus = "bonus"
	// TransactionTypeRollover 结转
	TransactionTypeRollover = "rollover"
	// TransactionTypeCorrection 修正
	TransactionTypeCorrection = "correction"
	// TransactionTypeReversal 冲正
	TransactionTypeReversal = "reversal"
)

// 账本流水状态常量
const (
	// EntryStatusPending 处理中
	EntryStatusPending = "pending"
	// EntryStatusCompleted 已完成
	EntryStatusCompleted = "completed"
	// EntryStatusFailed 已失败
	EntryStatusFailed = "failed"
	// EntryStatusReversed 已冲正
	EntryStatusReversed = "reversed"
)

// 月度额度状态常量
const (
	// AllocationStatusOpen 账期进行中
	AllocationStatusOpen = "open"
	// AllocationStatusClosed 账期已关闭
	AllocationStatusClosed = "closed"
)

// 结转状态常量
const (
	// RolloverStatusActive 生效中
	RolloverStatusActive = "active"
	// RolloverStatusExpired 已过期
	RolloverStatusExpired = "expired"
	// RolloverStatusFullyUsed 已用完
	RolloverStatusFullyUsed = "fully_used"
)

// RolloverExpiryMonths 结转有效期（源账期起算的月数）
const RolloverExpiryMonths = 3

// 订阅变更状态常量
const (
	// ChangeStatusPending 待处理
	ChangeStatusPending = "pending"
	// ChangeStatusProcessing 处理中
	ChangeStatusProcessing = "processing"
	// ChangeStatusCompleted 已完成
	ChangeStatusCompleted = "completed"
	// ChangeStatusFailed 已失败
	ChangeStatusFailed = "failed"
	// ChangeStatusCancelled 已取消
	ChangeStatusCancelled = "cancelled"
)

// 购买订单状态常量
const (
	// PurchaseStatusPending 待支付
	PurchaseStatusPending = "pending"
	// PurchaseStatusFulfilled 已到账
	PurchaseStatusFulfilled = "fulfilled"
	// PurchaseStatusFailed 支付失败
	PurchaseStatusFailed = "failed"
)

// 支付事件类型常量（计费处理器投递）
const (
	// PaymentEventSucceeded 支付成功
	PaymentEventSucceeded = "payment.succeeded"
	// PaymentEventFailed 支付失败
	PaymentEventFailed = "payment.failed"
)

// 对账相关常量
const (
	// BalanceEpsilon 余额比较容差
	BalanceEpsilon = 0.01
)

// 体检状态常量
const (
	// IntegrityStatusHealthy 健康
	IntegrityStatusHealthy = "healthy"
	// IntegrityStatusWarning 警告
	IntegrityStatusWarning = "warning"
	// IntegrityStatusCritical 严重
	IntegrityStatusCritical = "critical"
)

// 体检问题级别常量
const (
	// SeverityInfo 提示
	SeverityInfo = "info"
	// SeverityWarning 警告
	SeverityWarning = "warning"
	// SeverityCritical 严重
	SeverityCritical = "critical"
)

// PromoUpgradeWindowDays 新手包升级优惠窗口（购买后天数）
const PromoUpgradeWindowDays = 14

// IsRolloverType 判断积分类型是否允许结转
func IsRolloverType(creditType string) bool {
	for _, t := range RolloverCreditTypes {
		if t == creditType {
			return true
		}
	}
	return false
}

// IsValidCreditType 判断积分类型是否合法
func IsValidCreditType(creditType string) bool {
	for _, t := range CreditTypes {
		if t == creditType {
			return true
		}
	}
	return false
}

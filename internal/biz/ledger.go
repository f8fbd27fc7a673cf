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
	"github.com/google/uuid"
)

// ErrDuplicateKey 唯一键冲突哨兵错误（data 层把数据库 1062 翻译成它）
var ErrDuplicateKey = errors.New("duplicate key")

// LedgerEntry 账本流水领域对象
type LedgerEntry struct {
	ID                  string
	IdempotencyKey      string
	ClientID            string
	CreditType          string
	DebitAmount         float64
	CreditAmount        float64
	NetAmount           float64
	TransactionType     string
	BalanceAfter        float64
	RunningTotal        float64
	Status              string
	ParentTransactionID string
	SystemGenerated     bool
	BatchID             string
	CreatedAt           time.Time
}

// ClientBalance 客户余额领域对象（按积分类型）
type ClientBalance struct {
	ClientID       string
	Balances       map[string]float64
	Max            map[string]float64
	AllowOverdraft bool
	OverdraftLimit float64
	UpdatedAt      time.Time
}

// BalanceOf 按积分类型取余额（记录不存在时调用方传 nil 安全）
func (b *ClientBalance) BalanceOf(creditType string) float64 {
	if b == nil {
		return 0
	}
	return b.Balances[creditType]
}

// LedgerRepo 账本数据层接口（定义在 biz 层）
type LedgerRepo interface {
	// GetEntryByIdempotencyKey 按幂等键查询 completed 流水（不存在返回 nil, nil）
	GetEntryByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error)
	// GetEntryByID 按流水 ID 查询（不存在返回 nil, nil）
	GetEntryByID(ctx context.Context, entryID string) (*LedgerEntry, error)
	// GetLastEntry 查询同 (client, creditType) 最新一条 completed 流水（重放序）
	GetLastEntry(ctx context.Context, clientID, creditType string) (*LedgerEntry, error)
	// GetBalance 查询客户余额（缓存优先；不存在返回 nil, nil）
	GetBalance(ctx context.Context, clientID string) (*ClientBalance, error)
	// CreateEntry 原子写入 completed 流水并同步更新余额缓存
	// 幂等键冲突返回 ErrDuplicateKey，不落任何数据
	CreateEntry(ctx context.Context, entry *LedgerEntry) error
	// GetReversalByParent 查询 parent 指向指定流水的 completed 冲正（不存在返回 nil, nil）
	GetReversalByParent(ctx context.Context, parentID string) (*LedgerEntry, error)
	// ReverseEntry 原子写入冲正流水并更新余额
	// 源流水保持 completed，冲正关系只由 parent 链接承载；
	// 同一源流水已存在冲正时回滚并报错
	ReverseEntry(ctx context.Context, origin *LedgerEntry, reversal *LedgerEntry) error
	// ListEntries 分页查询客户流水（时间倒序）
	ListEntries(ctx context.Context, clientID string, page, pageSize int) ([]*LedgerEntry, int64, error)
}

// LedgerUseCase 账本业务逻辑（幂等记账）
type LedgerUseCase struct {
	repo    LedgerRepo
	conf    *CreditConfig
	log     *log.Helper
	metrics *metrics.CreditMetrics
}

// NewLedgerUseCase 创建账本 UseCase
func NewLedgerUseCase(repo LedgerRepo, conf *CreditConfig, logger log.Logger) *LedgerUseCase {
	return &LedgerUseCase{
		repo:    repo,
		conf:    conf,
		log:     log.NewHelper(logger),
		metrics: metrics.GetMetrics(),
	}
}

// Apply 幂等记账
// 同一幂等键的 completed 流水已存在时原样返回（不是错误，不会二次入账）；
// 余额不足（超出透支额度）返回 InsufficientCredit 且不落任何数据。
// 只写账本和余额；usage 的月度额度归账与结转冲抵由 CreditUseCase.Apply
// 负责，直接调这里的扣减不会更新消耗计数
func (uc *LedgerUseCase) Apply(ctx context.Context, clientID, creditType string, delta float64, transactionType, idempotencyKey string) (*LedgerEntry, error) {
	startTime := time.Now()
	defer func() {
		if uc.metrics != nil {
			uc.metrics.ApplyDuration.WithLabelValues(transactionType).Observe(time.Since(startTime).Seconds())
		}
	}()

	if !constants.IsValidCreditType(creditType) {
		return nil, creditErrors.ErrInvalidCreditType(creditType)
	}
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}

	// 幂等检查：已存在 completed 流水直接返回
	existing, err := uc.repo.GetEntryByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		uc.countApply(transactionType, "error")
		return nil, err
	}
	if existing != nil {
		uc.countApply(transactionType, "duplicate")
		return existing, nil
	}

	entry, err := uc.buildEntry(ctx, clientID, creditType, delta, transactionType, idempotencyKey)
	if err != nil {
		if creditErrors.IsInsufficientCredit(err) {
			uc.countApply(transactionType, "rejected")
		} else {
			uc.countApply(transactionType, "error")
		}
		return nil, err
	}

	if err := uc.repo.CreateEntry(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// 并发重试撞上唯一键，返回先写入的一条
			winner, getErr := uc.repo.GetEntryByIdempotencyKey(ctx, idempotencyKey)
			if getErr == nil && winner != nil {
				uc.countApply(transactionType, "duplicate")
				return winner, nil
			}
		}
		uc.countApply(transactionType, "error")
		return nil, err
	}

	uc.countApply(transactionType, "applied")
	if uc.metrics != nil {
		amount := entry.NetAmount
		if amount < 0 {
			amount = -amount
		}
		uc.metrics.ApplyAmount.WithLabelValues(creditType, transactionType).Add(amount)
	}
	return entry, nil
}

// buildEntry 计算净额、校验透支额度并装配流水
func (uc *LedgerUseCase) buildEntry(ctx context.Context, clientID, creditType string, delta float64, transactionType, idempotencyKey string) (*LedgerEntry, error) {
	balance, err := uc.repo.GetBalance(ctx, clientID)
	if err != nil {
		return nil, err
	}

	current := balance.BalanceOf(creditType)
	newBalance := current + delta
	if newBalance < -uc.overdraftLimit(balance) {
		return nil, creditErrors.ErrInsufficientCredit(clientID, creditType)
	}

	// running_total 接在最新一条流水之后（每积分类型独立累计）
	var runningTotal float64
	last, err := uc.repo.GetLastEntry(ctx, clientID, creditType)
	if err != nil {
		return nil, err
	}
	if last != nil {
		runningTotal = last.RunningTotal
	}
	runningTotal += delta

	entry := &LedgerEntry{
		ID:              uuid.New().String(),
		IdempotencyKey:  idempotencyKey,
		ClientID:        clientID,
		CreditType:      creditType,
		NetAmount:       delta,
		TransactionType: transactionType,
		BalanceAfter:    newBalance,
		RunningTotal:    runningTotal,
		Status:          constants.EntryStatusCompleted,
		CreatedAt:       time.Now(),
	}
	if delta >= 0 {
		entry.CreditAmount = delta
	} else {
		entry.DebitAmount = -delta
	}
	return entry, nil
}

// overdraftLimit 客户生效的透支额度（未开透支则为 0）
func (uc *LedgerUseCase) overdraftLimit(balance *ClientBalance) float64 {
	if balance == nil || !balance.AllowOverdraft {
		return 0
	}
	if balance.OverdraftLimit > 0 {
		return balance.OverdraftLimit
	}
	return uc.conf.OverdraftLimit
}

// GetBalance 查询指定积分类型余额
func (uc *LedgerUseCase) GetBalance(ctx context.Context, clientID, creditType string) (float64, error) {
	if !constants.IsValidCreditType(creditType) {
		return 0, creditErrors.ErrInvalidCreditType(creditType)
	}
	if uc.metrics != nil {
		uc.metrics.BalanceQueryTotal.Inc()
	}
	balance, err := uc.repo.GetBalance(ctx, clientID)
	if err != nil {
		return 0, err
	}
	return balance.BalanceOf(creditType), nil
}

// GetBalances 查询客户全部积分类型余额
func (uc *LedgerUseCase) GetBalances(ctx context.Context, clientID string) (map[string]float64, error) {
	balance, err := uc.repo.GetBalance(ctx, clientID)
	if err != nil {
		return nil, err
	}
	result := make(map[string]float64, len(constants.CreditTypes))
	for _, t := range constants.CreditTypes {
		result[t] = balance.BalanceOf(t)
	}
	return result, nil
}

// ListEntries 分页查询流水
func (uc *LedgerUseCase) ListEntries(ctx context.Context, clientID string, page, pageSize int) ([]*LedgerEntry, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return uc.repo.ListEntries(ctx, clientID, page, pageSize)
}

// Reverse 冲正一条 completed 流水
// 生成反向流水，parent 指向源流水；源流水保持 completed，两条流水在
// 账本汇总里正好抵消一次，对账推导值不会二次扣减。按幂等键可安全重试，
// 已冲正的流水再次冲正原样返回已有冲正
func (uc *LedgerUseCase) Reverse(ctx context.Context, entryID, idempotencyKey string) (*LedgerEntry, error) {
	existing, err := uc.repo.GetEntryByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	origin, err := uc.repo.GetEntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if origin == nil {
		return nil, creditErrors.ErrEntryNotFound(entryID)
	}
	if origin.Status != constants.EntryStatusCompleted {
		return nil, fmt.Errorf("entry %s is not reversible in status %s", entryID, origin.Status)
	}
	if reversed, err := uc.repo.GetReversalByParent(ctx, origin.ID); err != nil {
		return nil, err
	} else if reversed != nil {
		return reversed, nil
	}

	reversal, err := uc.buildEntry(ctx, origin.ClientID, origin.CreditType, -origin.NetAmount, constants.TransactionTypeReversal, idempotencyKey)
	if err != nil {
		return nil, err
	}
	reversal.ParentTransactionID = origin.ID
	reversal.SystemGenerated = origin.SystemGenerated

	if err := uc.repo.ReverseEntry(ctx, origin, reversal); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			winner, getErr := uc.repo.GetEntryByIdempotencyKey(ctx, idempotencyKey)
			if getErr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}
	return reversal, nil
}

func (uc *LedgerUseCase) countApply(transactionType, result string) {
	if uc.metrics != nil {
		uc.metrics.ApplyTotal.WithLabelValues(transactionType, result).Inc()
	}
}

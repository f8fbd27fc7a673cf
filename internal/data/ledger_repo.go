package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"credit-service/internal/biz"
	"credit-service/internal/constants"
	"credit-service/internal/data/model"
	"credit-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redsync/redsync/v4"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ledgerRepo 账本数据访问
type ledgerRepo struct {
	data    *Data
	sync    *redsync.Redsync
	log     *log.Helper
	metrics *metrics.CreditMetrics
}

// NewLedgerRepo 创建账本 repo（返回 biz.LedgerRepo 接口）
func NewLedgerRepo(data *Data, sync *redsync.Redsync, logger log.Logger) biz.LedgerRepo {
	return &ledgerRepo{
		data:    data,
		sync:    sync,
		log:     log.NewHelper(logger),
		metrics: metrics.GetMetrics(),
	}
}

// translateDup 把数据库唯一键冲突翻译成 biz 层哨兵错误
func translateDup(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return biz.ErrDuplicateKey
	}
	return err
}

// cachedBalance 余额缓存载体（整条记录 JSON，透支配置随余额一起缓存）
type cachedBalance struct {
	ClientID       string             `json:"client_id"`
	Balances       map[string]float64 `json:"balances"`
	AllowOverdraft bool               `json:"allow_overdraft"`
	OverdraftLimit float64            `json:"overdraft_limit"`
}

func balanceCacheKey(clientID string) string {
	return constants.RedisKeyBalance + clientID
}

func entryToBiz(m *model.LedgerEntry) *biz.LedgerEntry {
	return &biz.LedgerEntry{
		ID:                  m.LedgerEntryID,
		IdempotencyKey:      m.IdempotencyKey,
		ClientID:            m.ClientID,
		CreditType:          m.CreditType,
		DebitAmount:         m.DebitAmount,
		CreditAmount:        m.CreditAmount,
		NetAmount:           m.NetAmount,
		TransactionType:     m.TransactionType,
		BalanceAfter:        m.BalanceAfter,
		RunningTotal:        m.RunningTotal,
		Status:              m.Status,
		ParentTransactionID: m.ParentTransactionID,
		SystemGenerated:     m.SystemGenerated,
		BatchID:             m.BatchID,
		CreatedAt:           m.CreatedAt,
	}
}

func entryToModel(e *biz.LedgerEntry) *model.LedgerEntry {
	return &model.LedgerEntry{
		LedgerEntryID:       e.ID,
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
		SystemGenerated:     e.SystemGenerated,
		BatchID:             e.BatchID,
	}
}

func balanceToBiz(m *model.ClientBalance) *biz.ClientBalance {
	b := &biz.ClientBalance{
		ClientID:       m.ClientID,
		Balances:       make(map[string]float64, len(constants.CreditTypes)),
		Max:            make(map[string]float64, len(constants.CreditTypes)),
		AllowOverdraft: m.AllowOverdraft,
		OverdraftLimit: m.OverdraftLimit,
		UpdatedAt:      m.UpdatedAt,
	}
	for _, t := range constants.CreditTypes {
		b.Balances[t] = m.BalanceOf(t)
	}
	b.Max[constants.CreditTypeLead] = m.LeadMax
	b.Max[constants.CreditTypeEmail] = m.EmailMax
	b.Max[constants.CreditTypeLinkedin] = m.LinkedinMax
	b.Max[constants.CreditTypeABM] = m.AbmMax
	return b
}

// GetEntryByIdempotencyKey 按幂等键查询 completed 流水
func (r *ledgerRepo) GetEntryByIdempotencyKey(ctx context.Context, key string) (*biz.LedgerEntry, error) {
	var m model.LedgerEntry
	if err := r.data.db.WithContext(ctx).
		Where("idempotency_key = ? AND status = ?", key, constants.EntryStatusCompleted).
		First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entryToBiz(&m), nil
}

// GetEntryByID 按流水 ID 查询
func (r *ledgerRepo) GetEntryByID(ctx context.Context, entryID string) (*biz.LedgerEntry, error) {
	var m model.LedgerEntry
	if err := r.data.db.WithContext(ctx).
		Where("ledger_entry_id = ?", entryID).
		First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entryToBiz(&m), nil
}

// GetLastEntry 查询同 (client, creditType) 最新一条 completed 流水
func (r *ledgerRepo) GetLastEntry(ctx context.Context, clientID, creditType string) (*biz.LedgerEntry, error) {
	var m model.LedgerEntry
	if err := r.data.db.WithContext(ctx).
		Where("client_id = ? AND credit_type = ? AND status = ?", clientID, creditType, constants.EntryStatusCompleted).
		Order("created_at DESC, ledger_entry_id DESC").
		First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entryToBiz(&m), nil
}

// GetBalance 查询客户余额（缓存优先）
func (r *ledgerRepo) GetBalance(ctx context.Context, clientID string) (*biz.ClientBalance, error) {
	if clientID == "" {
		return nil, fmt.Errorf("clientID is required")
	}

	// 先尝试从 Redis 获取
	cacheStr, err := r.data.rdb.Get(ctx, balanceCacheKey(clientID)).Result()
	if err == nil {
		var cached cachedBalance
		if err := json.Unmarshal([]byte(cacheStr), &cached); err == nil {
			if r.metrics != nil {
				r.metrics.CacheHitTotal.WithLabelValues("hit").Inc()
			}
			return &biz.ClientBalance{
				ClientID:       clientID,
				Balances:       cached.Balances,
				Max:            map[string]float64{},
				AllowOverdraft: cached.AllowOverdraft,
				OverdraftLimit: cached.OverdraftLimit,
			}, nil
		}
	}
	if r.metrics != nil {
		r.metrics.CacheHitTotal.WithLabelValues("miss").Inc()
	}

	// 缓存未命中，从数据库查询
	var m model.ClientBalance
	if err := r.data.db.WithContext(ctx).Where("client_id = ?", clientID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 客户尚无余额记录，返回 nil 而不是错误（业务层按零余额处理）
			return nil, nil
		}
		r.log.Errorf("GetBalance failed: clientID=%s, error=%v", clientID, err)
		return nil, fmt.Errorf("failed to query client balance: %w", err)
	}

	result := balanceToBiz(&m)

	// 更新缓存（异步，不阻塞，设置超时避免长时间等待）
	go func() {
		cacheCtx, cacheCancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cacheCancel()
		r.setBalanceCache(cacheCtx, result)
	}()

	return result, nil
}

// setBalanceCache 写余额缓存（失败不影响主流程）
func (r *ledgerRepo) setBalanceCache(ctx context.Context, b *biz.ClientBalance) {
	payload, err := json.Marshal(&cachedBalance{
		ClientID:       b.ClientID,
		Balances:       b.Balances,
		AllowOverdraft: b.AllowOverdraft,
		OverdraftLimit: b.OverdraftLimit,
	})
	if err != nil {
		return
	}
	if err := r.data.rdb.Set(ctx, balanceCacheKey(b.ClientID), payload, balanceCacheTTL).Err(); err != nil {
		r.log.Warnf("failed to update balance cache: client=%s: %v", b.ClientID, err)
	}
}

// CreateEntry 原子写入 completed 流水并同步更新余额
// 幂等键唯一索引是硬保证；redsync 锁只用来减少并发重试的冲突
func (r *ledgerRepo) CreateEntry(ctx context.Context, entry *biz.LedgerEntry) error {
	if r.sync != nil {
		lockKey := fmt.Sprintf("%s%s:%s", constants.RedisKeyApplyLock, entry.ClientID, entry.CreditType)
		lockStartTime := time.Now()
		mutex := r.sync.NewMutex(lockKey, redsync.WithExpiry(5*time.Second))
		if err := mutex.Lock(); err != nil {
			r.log.Warnf("failed to acquire apply lock: client=%s, type=%s: %v", entry.ClientID, entry.CreditType, err)
			if r.metrics != nil {
				r.metrics.LockAcquireTotal.WithLabelValues("failed").Inc()
				r.metrics.LockAcquireDuration.Observe(time.Since(lockStartTime).Seconds())
			}
		} else {
			if r.metrics != nil {
				r.metrics.LockAcquireTotal.WithLabelValues("acquired").Inc()
				r.metrics.LockAcquireDuration.Observe(time.Since(lockStartTime).Seconds())
			}
			defer func() {
				if ok, err := mutex.Unlock(); !ok || err != nil {
					r.log.Warnf("failed to unlock apply lock: client=%s: %v", entry.ClientID, err)
				}
			}()
		}
	}

	var updated *biz.ClientBalance
	err := r.data.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entryToModel(entry)).Error; err != nil {
			return translateDup(err)
		}

		var balance model.ClientBalance
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("client_id = ?", entry.ClientID).First(&balance).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			balance = model.ClientBalance{
				ClientBalanceID: uuid.New().String(),
				ClientID:        entry.ClientID,
			}
			if err := tx.Create(&balance).Error; err != nil {
				return fmt.Errorf("create client balance failed: %w", err)
			}
		}

		column := model.BalanceColumn(entry.CreditType)
		if err := tx.Model(&balance).Update(column, gorm.Expr(column+" + ?", entry.NetAmount)).Error; err != nil {
			return err
		}
		balance.SetBalance(entry.CreditType, balance.BalanceOf(entry.CreditType)+entry.NetAmount)
		updated = balanceToBiz(&balance)
		return nil
	})
	if err != nil {
		return err
	}

	// 事务提交成功后写缓存（独立超时，失败不影响主流程）
	cacheCtx, cacheCancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cacheCancel()
	r.setBalanceCache(cacheCtx, updated)
	return nil
}

// GetReversalByParent 查询 parent 指向指定流水的 completed 冲正
func (r *ledgerRepo) GetReversalByParent(ctx context.Context, parentID string) (*biz.LedgerEntry, error) {
	var m model.LedgerEntry
	if err := r.data.db.WithContext(ctx).
		Where("parent_transaction_id = ? AND transaction_type = ? AND status = ?",
			parentID, constants.TransactionTypeReversal, constants.EntryStatusCompleted).
		First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entryToBiz(&m), nil
}

// ReverseEntry 原子冲正：写入反向流水并更新余额
// 源流水保持 completed，两条流水在对账的 completed 汇总里恰好抵消一次；
// 事务内复查 parent 链接，同一源流水的第二次冲正整体回滚
func (r *ledgerRepo) ReverseEntry(ctx context.Context, origin *biz.LedgerEntry, reversal *biz.LedgerEntry) error {
	var updated *biz.ClientBalance
	err := r.data.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entryToModel(reversal)).Error; err != nil {
			return translateDup(err)
		}

		var reversals int64
		if err := tx.Model(&model.LedgerEntry{}).
			Where("parent_transaction_id = ? AND transaction_type = ? AND status = ?",
				origin.ID, constants.TransactionTypeReversal, constants.EntryStatusCompleted).
			Count(&reversals).Error; err != nil {
			return err
		}
		if reversals > 1 {
			return fmt.Errorf("entry %s already reversed", origin.ID)
		}

		var balance model.ClientBalance
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("client_id = ?", origin.ClientID).First(&balance).Error; err != nil {
			return err
		}
		column := model.BalanceColumn(origin.CreditType)
		if err := tx.Model(&balance).Update(column, gorm.Expr(column+" + ?", reversal.NetAmount)).Error; err != nil {
			return err
		}
		balance.SetBalance(origin.CreditType, balance.BalanceOf(origin.CreditType)+reversal.NetAmount)
		updated = balanceToBiz(&balance)
		return nil
	})
	if err != nil {
		return err
	}

	cacheCtx, cacheCancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cacheCancel()
	r.setBalanceCache(cacheCtx, updated)
	return nil
}

// ListEntries 分页查询客户流水（时间倒序）
func (r *ledgerRepo) ListEntries(ctx context.Context, clientID string, page, pageSize int) ([]*biz.LedgerEntry, int64, error) {
	var models []model.LedgerEntry
	var total int64

	offset := (page - 1) * pageSize
	db := r.data.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("client_id = ?", clientID)

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := db.Offset(offset).Limit(pageSize).Order("created_at DESC, ledger_entry_id DESC").Find(&models).Error; err != nil {
		return nil, 0, err
	}

	entries := make([]*biz.LedgerEntry, 0, len(models))
	for i := range models {
		entries = append(entries, entryToBiz(&models[i]))
	}
	return entries, total, nil
}

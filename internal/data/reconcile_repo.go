package data

import (
	"context"
	"errors"
	"time"

	"credit-service/internal/biz"
	"credit-service/internal/constants"
	"credit-service/internal/data/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// reconcileRepo 对账数据访问（绕过缓存直读直写）
type reconcileRepo struct {
	data *Data
	log  *log.Helper
}

// NewReconcileRepo 创建对账 repo（返回 biz.ReconcileRepo 接口）
func NewReconcileRepo(data *Data, logger log.Logger) biz.ReconcileRepo {
	return &reconcileRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// listClientIDs 账本和余额表中出现过的客户 ID（allocation repo 共用）
func listClientIDs(ctx context.Context, db *gorm.DB, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT client_id FROM (
			SELECT client_id FROM client_balance
			UNION
			SELECT client_id FROM ledger_entry
		) AS t ORDER BY client_id LIMIT ?`, limit).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListClientIDs 返回账本/余额表中出现过的客户 ID
func (r *reconcileRepo) ListClientIDs(ctx context.Context, limit int) ([]string, error) {
	return listClientIDs(ctx, r.data.db, limit)
}

// SumCompletedNet 按积分类型汇总 completed 流水净额
func (r *reconcileRepo) SumCompletedNet(ctx context.Context, clientID string) (map[string]float64, error) {
	var rows []struct {
		CreditType string
		Total      float64
	}
	err := r.data.db.WithContext(ctx).Model(&model.LedgerEntry{}).
		Select("credit_type, COALESCE(SUM(net_amount), 0) AS total").
		Where("client_id = ? AND status = ?", clientID, constants.EntryStatusCompleted).
		Group("credit_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make(map[string]float64, len(constants.CreditTypes))
	for _, row := range rows {
		result[row.CreditType] = row.Total
	}
	return result, nil
}

// GetBalanceRecord 直读余额表（不走缓存）
func (r *reconcileRepo) GetBalanceRecord(ctx context.Context, clientID string) (*biz.ClientBalance, error) {
	var m model.ClientBalance
	if err := r.data.db.WithContext(ctx).Where("client_id = ?", clientID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return balanceToBiz(&m), nil
}

// OverwriteBalances 以账本推导值整体覆写余额并失效缓存
// 下一次读取从数据库回填缓存
func (r *reconcileRepo) OverwriteBalances(ctx context.Context, clientID string, balances map[string]float64) error {
	updates := map[string]interface{}{}
	for creditType, v := range balances {
		column := model.BalanceColumn(creditType)
		if column == "" {
			continue
		}
		updates[column] = v
	}
	if len(updates) == 0 {
		return nil
	}

	result := r.data.db.WithContext(ctx).Model(&model.ClientBalance{}).
		Where("client_id = ?", clientID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// 有账本无余额行的客户（入账路径异常中断），对账补建
		record := &model.ClientBalance{
			ClientBalanceID: uuid.New().String(),
			ClientID:        clientID,
		}
		for creditType, v := range balances {
			record.SetBalance(creditType, v)
		}
		if err := r.data.db.WithContext(ctx).Create(record).Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
	}

	if err := r.data.rdb.Del(ctx, balanceCacheKey(clientID)).Err(); err != nil {
		r.log.Warnf("failed to invalidate balance cache: client=%s: %v", clientID, err)
	}
	return nil
}

// ListEntriesForReplay 按 (created_at, id) 升序返回 completed 流水
func (r *reconcileRepo) ListEntriesForReplay(ctx context.Context, clientID string) ([]*biz.LedgerEntry, error) {
	var models []model.LedgerEntry
	err := r.data.db.WithContext(ctx).
		Where("client_id = ? AND status = ?", clientID, constants.EntryStatusCompleted).
		Order("created_at ASC, ledger_entry_id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	entries := make([]*biz.LedgerEntry, 0, len(models))
	for i := range models {
		entries = append(entries, entryToBiz(&models[i]))
	}
	return entries, nil
}

// PatchRunningTotal 原地修正一条流水的 running_total
func (r *reconcileRepo) PatchRunningTotal(ctx context.Context, entryID string, runningTotal float64) error {
	return r.data.db.WithContext(ctx).Model(&model.LedgerEntry{}).
		Where("ledger_entry_id = ?", entryID).
		Update("running_total", runningTotal).Error
}

// CountOrphanedLinks 统计 parent 指向不存在流水的冲正/修正条数
func (r *reconcileRepo) CountOrphanedLinks(ctx context.Context, clientID string) (int64, error) {
	var count int64
	err := r.data.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM ledger_entry e
		 WHERE e.client_id = ? AND e.parent_transaction_id <> ''
		   AND NOT EXISTS (
		     SELECT 1 FROM ledger_entry p WHERE p.ledger_entry_id = e.parent_transaction_id
		   )`, clientID).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CountOverdueActiveRollovers 统计已过期仍为 active 的结转条数
func (r *reconcileRepo) CountOverdueActiveRollovers(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := r.data.db.WithContext(ctx).Model(&model.CreditRollover{}).
		Where("status = ? AND expires_at <= ?", constants.RolloverStatusActive, now).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

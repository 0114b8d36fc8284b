package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"settlement-core/internal/model"
)

// depositAllocLock 金额分配的 Postgres 事务级 advisory lock
const depositAllocLock = 0x5e771e

// CreateDeposit 在同一事务内检查 UniqueAmount 冲突并插入
// minGapUnits: 与任何未关闭充值单的最小整数距离 (必须 > 2*epsilon)
func (s *GormStore) CreateDeposit(ctx context.Context, d *model.Deposit, minGapUnits int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 多实例串行化 "检查 + 插入"
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", depositAllocLock).Error; err != nil {
				return err
			}
		}

		var clash int64
		err := openDeposits(tx).
			Where("match_units > ? AND match_units < ?", d.MatchUnits-minGapUnits, d.MatchUnits+minGapUnits).
			Count(&clash).Error
		if err != nil {
			return err
		}
		if clash > 0 {
			return ErrAmountTaken
		}

		d.Matched = false
		d.Status = model.DepositStatusWaiting
		if err := tx.Create(d).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAmountTaken
			}
			return err
		}
		return nil
	})
}

func (s *GormStore) GetDeposit(ctx context.Context, id uint64) (*model.Deposit, error) {
	var d model.Deposit
	if err := s.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// OpenMatchUnits 当前占用命名空间的所有 MatchUnits (含已过期但还未被回收的)
func (s *GormStore) OpenMatchUnits(ctx context.Context) ([]int64, error) {
	var units []int64
	err := openDeposits(s.db.WithContext(ctx)).Pluck("match_units", &units).Error
	return units, err
}

// CountOpenDeposits 未过期且未匹配的充值单数量，用于空闲短路
func (s *GormStore) CountOpenDeposits(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := openDeposits(s.db.WithContext(ctx)).Where("expires_at > ?", now).Count(&n).Error
	return n, err
}

// FindUnmatchedByAmount MatchUnits 落在 [units-eps, units+eps] 内的未匹配充值单
func (s *GormStore) FindUnmatchedByAmount(ctx context.Context, units, epsUnits int64) ([]model.Deposit, error) {
	var deposits []model.Deposit
	err := openDeposits(s.db.WithContext(ctx)).
		Where("match_units BETWEEN ? AND ?", units-epsUnits, units+epsUnits).
		Order("created_at, id").
		Find(&deposits).Error
	return deposits, err
}

// MarkMatched 匹配成功: 标记充值单、增加游戏余额、写入 outbox，三者同一事务
// matched 只能从 false 变为 true 一次，同一 txHash 只能入账一次
func (s *GormStore) MarkMatched(ctx context.Context, p MatchParams) (*model.Deposit, error) {
	var matched model.Deposit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 同一笔转账 (例如重扫区块) 不能再匹配到其他充值单
		var used int64
		if err := tx.Model(&model.Deposit{}).Where("tx_hash = ?", p.TxHash).Count(&used).Error; err != nil {
			return err
		}
		if used > 0 {
			return ErrTxAlreadyUsed
		}

		status := model.DepositStatusPending
		if p.RequiredConfirmations <= 1 {
			status = model.DepositStatusConfirmed
		}

		// 2. CAS: waiting & !matched -> matched
		res := tx.Model(&model.Deposit{}).
			Where("id = ? AND matched = ? AND status = ?", p.DepositID, false, model.DepositStatusWaiting).
			Updates(map[string]interface{}{
				"matched":       true,
				"tx_hash":       p.TxHash,
				"block_number":  p.BlockNumber,
				"confirmations": 1,
				"status":        status,
				"matched_at":    p.MatchedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrAlreadyMatched
		}

		if err := tx.First(&matched, p.DepositID).Error; err != nil {
			return err
		}

		// 3. 入账金额是 AmountRequested，而不是链上实际转账金额
		err := adjustBalance(tx, matched.UserID, matched.AmountRequested, map[string]interface{}{
			"total_deposited": gorm.Expr("total_deposited + ?", matched.AmountRequested),
		})
		if err != nil {
			return err
		}

		// 4. 排行榜等下游通过事件更新
		return model.CreateOutboxMessage(tx, model.TopicDepositEvents, userKey(matched.UserID), model.DepositCreditedEvent{
			Type:        model.EventDepositCredited,
			DepositID:   matched.ID,
			UserID:      matched.UserID,
			Amount:      matched.AmountRequested.String(),
			TxHash:      p.TxHash,
			BlockNumber: p.BlockNumber,
		})
	})
	if err != nil {
		return nil, err
	}
	return &matched, nil
}

// FindPendingConfirmation 已匹配但确认数不足的充值单
func (s *GormStore) FindPendingConfirmation(ctx context.Context, required, limit int) ([]model.Deposit, error) {
	var deposits []model.Deposit
	err := s.db.WithContext(ctx).
		Where("matched = ? AND confirmations < ? AND status <> ?", true, required, model.DepositStatusExpired).
		Order("id").
		Limit(limit).
		Find(&deposits).Error
	return deposits, err
}

// SetConfirmations 只增不减; 达到 required 时状态变为 confirmed
// 返回是否实际写入
func (s *GormStore) SetConfirmations(ctx context.Context, id uint64, confirmations, required int) (bool, error) {
	updates := map[string]interface{}{"confirmations": confirmations}
	if confirmations >= required {
		updates["status"] = model.DepositStatusConfirmed
	}

	res := s.db.WithContext(ctx).Model(&model.Deposit{}).
		Where("id = ? AND matched = ? AND confirmations < ?", id, true, confirmations).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindExpired 超过截止时间仍未匹配的充值单
func (s *GormStore) FindExpired(ctx context.Context, now time.Time) ([]uint64, error) {
	var ids []uint64
	err := openDeposits(s.db.WithContext(ctx)).
		Where("expires_at < ?", now).
		Pluck("id", &ids).Error
	return ids, err
}

// MarkExpired 批量条件更新，期间被匹配的充值单不会被误标
func (s *GormStore) MarkExpired(ctx context.Context, ids []uint64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&model.Deposit{}).
		Where("id IN ? AND matched = ? AND status = ?", ids, false, model.DepositStatusWaiting).
		Update("status", model.DepositStatusExpired)
	return res.RowsAffected, res.Error
}

func openDeposits(db *gorm.DB) *gorm.DB {
	return db.Model(&model.Deposit{}).Where("matched = ? AND status = ?", false, model.DepositStatusWaiting)
}

package ledger

import (
	"context"
	"time"

	"gorm.io/gorm"

	"settlement-core/internal/model"
)

// 一次 Claim 最多尝试的候选数量，其余的留给下一轮
const claimCandidates = 10

// CreateWithdrawal 扣减游戏余额并创建 queued 提现单 (同一事务)
func (s *GormStore) CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 条件扣款: balance >= amount
		res := tx.Model(&model.User{}).
			Where("id = ? AND balance >= ?", w.UserID, w.Amount).
			Updates(map[string]interface{}{
				"balance":         gorm.Expr("balance - ?", w.Amount),
				"total_withdrawn": gorm.Expr("total_withdrawn + ?", w.Amount),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrInsufficientBalance
		}

		// 2. 创建提现单
		w.Status = model.WithdrawalStatusQueued
		w.Debited = true
		w.RetryCount = 0
		return tx.Create(w).Error
	})
}

func (s *GormStore) GetWithdrawal(ctx context.Context, id uint64) (*model.Withdrawal, error) {
	var w model.Withdrawal
	if err := s.db.WithContext(ctx).First(&w, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// CountActiveWithdrawals queued + processing
func (s *GormStore) CountActiveWithdrawals(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Withdrawal{}).
		Where("status IN ?", []string{model.WithdrawalStatusQueued, model.WithdrawalStatusProcessing}).
		Count(&n).Error
	return n, err
}

// ClaimNextQueued queued -> processing 的 CAS，多个 worker 并发 Claim 同一条只有一个成功
func (s *GormStore) ClaimNextQueued(ctx context.Context, now time.Time) (*model.Withdrawal, error) {
	db := s.db.WithContext(ctx)

	var candidates []uint64
	err := db.Model(&model.Withdrawal{}).
		Where("status = ?", model.WithdrawalStatusQueued).
		Order("requested_at, id").
		Limit(claimCandidates).
		Pluck("id", &candidates).Error
	if err != nil {
		return nil, err
	}

	for _, id := range candidates {
		res := db.Model(&model.Withdrawal{}).
			Where("id = ? AND status = ?", id, model.WithdrawalStatusQueued).
			Updates(map[string]interface{}{
				"status":                model.WithdrawalStatusProcessing,
				"processing_started_at": now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			return s.GetWithdrawal(ctx, id)
		}
		// 被其他 worker 抢先，尝试下一条
	}
	return nil, ErrNothingToClaim
}

// FindStuckProcessing processing 且开始时间缺失或早于 cutoff
func (s *GormStore) FindStuckProcessing(ctx context.Context, cutoff time.Time) ([]model.Withdrawal, error) {
	var stuck []model.Withdrawal
	err := s.db.WithContext(ctx).
		Where("status = ? AND (processing_started_at IS NULL OR processing_started_at < ?)",
			model.WithdrawalStatusProcessing, cutoff).
		Order("id").
		Find(&stuck).Error
	return stuck, err
}

// SetProcessing 刷新 processing 心跳; 记录已被恢复流程处理时返回 ErrStateConflict
func (s *GormStore) SetProcessing(ctx context.Context, id uint64, now time.Time) error {
	return s.SetTerminal(ctx, id, model.WithdrawalStatusProcessing, model.WithdrawalStatusProcessing,
		map[string]interface{}{"processing_started_at": now})
}

// RecordAttempt 广播前落库 txHash/nonce，崩溃后可以据此判断交易是否已上链
func (s *GormStore) RecordAttempt(ctx context.Context, id uint64, txHash string, nonce uint64, gasPrice string) error {
	fields := map[string]interface{}{"tx_hash": txHash, "nonce": nonce, "gas_price": nil}
	if gasPrice != "" {
		fields["gas_price"] = gasPrice
	}
	return s.SetTerminal(ctx, id, model.WithdrawalStatusProcessing, model.WithdrawalStatusProcessing, fields)
}

// ClearAttempt 节点明确拒绝了记录的交易，清掉后下次重新分配 nonce
func (s *GormStore) ClearAttempt(ctx context.Context, id uint64) error {
	return s.SetTerminal(ctx, id, model.WithdrawalStatusProcessing, model.WithdrawalStatusProcessing,
		map[string]interface{}{"tx_hash": nil, "nonce": nil, "gas_price": nil})
}

// SetTerminal 通用条件状态迁移: 仅当当前状态为 expect 时更新为 status 并写入 fields
func (s *GormStore) SetTerminal(ctx context.Context, id uint64, expect, status string, fields map[string]interface{}) error {
	return setStatus(s.db.WithContext(ctx), id, expect, status, fields)
}

// MarkSent processing -> sent
func (s *GormStore) MarkSent(ctx context.Context, id uint64, txHash string, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := setStatus(tx, id, model.WithdrawalStatusProcessing, model.WithdrawalStatusSent, map[string]interface{}{
			"tx_hash":               txHash,
			"processing_started_at": nil,
			"processed_at":          now,
			"error":                 "",
		})
		if err != nil {
			return err
		}

		var w model.Withdrawal
		if err := tx.First(&w, id).Error; err != nil {
			return err
		}
		return model.CreateOutboxMessage(tx, model.TopicWithdrawalEvents, userKey(w.UserID), model.WithdrawalEvent{
			Type:         model.EventWithdrawalSent,
			WithdrawalID: w.ID,
			UserID:       w.UserID,
			ToAddress:    w.ToAddress,
			Amount:       w.Amount.String(),
			TxHash:       txHash,
		})
	})
}

// FailAndRefund 迁移到 failed，并在同一事务内退还已扣款的金额
// 退款只发生在 "进入 failed" 的那一次条件更新上，卡单恢复和失败路径不会重复退款
func (s *GormStore) FailAndRefund(ctx context.Context, p FailParams) (bool, error) {
	refunded := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields := map[string]interface{}{
			"error":                 p.Error,
			"processing_started_at": nil,
			"processed_at":          p.At,
		}
		if p.IncrementRetry {
			fields["retry_count"] = gorm.Expr("retry_count + 1")
		}
		if err := setStatus(tx, p.WithdrawalID, p.ExpectStatus, model.WithdrawalStatusFailed, fields); err != nil {
			return err
		}

		var w model.Withdrawal
		if err := tx.First(&w, p.WithdrawalID).Error; err != nil {
			return err
		}

		if w.Debited {
			err := adjustBalance(tx, w.UserID, w.Amount, map[string]interface{}{
				"total_withdrawn": gorm.Expr("total_withdrawn - ?", w.Amount),
			})
			if err != nil {
				return err
			}
			refunded = true
		}

		return model.CreateOutboxMessage(tx, model.TopicWithdrawalEvents, userKey(w.UserID), model.WithdrawalEvent{
			Type:         model.EventWithdrawalFailed,
			WithdrawalID: w.ID,
			UserID:       w.UserID,
			ToAddress:    w.ToAddress,
			Amount:       w.Amount.String(),
			Refunded:     w.Debited,
			Error:        p.Error,
		})
	})
	if err != nil {
		return false, err
	}
	return refunded, nil
}

// Requeue processing -> queued，可选消耗一次重试次数
func (s *GormStore) Requeue(ctx context.Context, id uint64, errMsg string, incrementRetry bool) error {
	fields := map[string]interface{}{
		"error":                 errMsg,
		"processing_started_at": nil,
	}
	if incrementRetry {
		fields["retry_count"] = gorm.Expr("retry_count + 1")
	}
	return s.SetTerminal(ctx, id, model.WithdrawalStatusProcessing, model.WithdrawalStatusQueued, fields)
}

// FindSent 已广播待确认的提现单
func (s *GormStore) FindSent(ctx context.Context, limit int) ([]model.Withdrawal, error) {
	var sent []model.Withdrawal
	err := s.db.WithContext(ctx).
		Where("status = ? AND tx_hash IS NOT NULL", model.WithdrawalStatusSent).
		Order("id").
		Limit(limit).
		Find(&sent).Error
	return sent, err
}

// MarkCompleted sent -> completed
func (s *GormStore) MarkCompleted(ctx context.Context, id uint64, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := setStatus(tx, id, model.WithdrawalStatusSent, model.WithdrawalStatusCompleted,
			map[string]interface{}{"processed_at": now}); err != nil {
			return err
		}

		var w model.Withdrawal
		if err := tx.First(&w, id).Error; err != nil {
			return err
		}
		var txHash string
		if w.TxHash != nil {
			txHash = *w.TxHash
		}
		return model.CreateOutboxMessage(tx, model.TopicWithdrawalEvents, userKey(w.UserID), model.WithdrawalEvent{
			Type:         model.EventWithdrawalComplete,
			WithdrawalID: w.ID,
			UserID:       w.UserID,
			ToAddress:    w.ToAddress,
			Amount:       w.Amount.String(),
			TxHash:       txHash,
		})
	})
}

func setStatus(db *gorm.DB, id uint64, expect, status string, fields map[string]interface{}) error {
	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = status

	res := db.Model(&model.Withdrawal{}).Where("id = ? AND status = ?", id, expect).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrStateConflict
	}
	return nil
}

package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/qs3c/scent_sub_server/internal/model"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrStatusConflict       = errors.New("subscription status does not allow this update")
)

// MutateFunc 在行锁内修改最新读取的订阅，返回错误则整个事务回滚
type MutateFunc func(sub *model.Subscription) error

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) FindByUserID(userID string) (*model.Subscription, error) {
	return r.findOne("user_id = ?", userID)
}

func (r *SubscriptionRepository) FindByPeriodNo(periodNo string) (*model.Subscription, error) {
	return r.findOne("period_no = ?", periodNo)
}

func (r *SubscriptionRepository) FindByMerchantOrderNo(orderNo string) (*model.Subscription, error) {
	return r.findOne("merchant_order_no = ?", orderNo)
}

func (r *SubscriptionRepository) findOne(query string, arg interface{}) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.Where(query, arg).Order("id ASC").First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// UpsertByUserID 按 user_id 创建或更新订阅；已有记录先加行锁再交给 mutate
func (r *SubscriptionRepository) UpsertByUserID(userID string, mutate MutateFunc) (*model.Subscription, error) {
	var result model.Subscription
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var sub model.Subscription
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).First(&sub).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			sub = model.Subscription{UserID: userID}
		}

		if err := mutate(&sub); err != nil {
			return err
		}
		sub.UserID = userID

		if err := tx.Save(&sub).Error; err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateByUserID 锁定该用户的订阅后修改，allowed 为空表示不限制当前订阅状态
func (r *SubscriptionRepository) UpdateByUserID(userID string, allowed []string, mutate MutateFunc) (*model.Subscription, error) {
	return r.updateOne("user_id = ?", userID, allowed, mutate)
}

// UpdateByPeriodNo 按 period_no 条件更新，仅当订阅状态在 allowed 内
func (r *SubscriptionRepository) UpdateByPeriodNo(periodNo string, allowed []string, mutate MutateFunc) (*model.Subscription, error) {
	return r.updateOne("period_no = ?", periodNo, allowed, mutate)
}

func (r *SubscriptionRepository) UpdateByMerchantOrderNo(orderNo string, allowed []string, mutate MutateFunc) (*model.Subscription, error) {
	return r.updateOne("merchant_order_no = ?", orderNo, allowed, mutate)
}

func (r *SubscriptionRepository) updateOne(query string, arg interface{}, allowed []string, mutate MutateFunc) (*model.Subscription, error) {
	var result model.Subscription
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var sub model.Subscription
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(query, arg).Order("id ASC").First(&sub).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSubscriptionNotFound
			}
			return err
		}

		if len(allowed) > 0 && !contains(allowed, sub.SubscriptionStatus) {
			return ErrStatusConflict
		}

		id, userID := sub.ID, sub.UserID
		if err := mutate(&sub); err != nil {
			return err
		}
		// 主键与归属不允许在 mutate 中被改写
		sub.ID, sub.UserID = id, userID

		if err := tx.Save(&sub).Error; err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListDueActive 列出到期待扣款的订阅
// 条件：订阅 active、next_payment_date <= now，且扣款状态 active 或失败次数未超过上限
func (r *SubscriptionRepository) ListDueActive(now time.Time, maxAttempts int) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := r.db.
		Where("subscription_status = ?", model.SubscriptionActive).
		Where("next_payment_date IS NOT NULL AND next_payment_date <= ?", now.UTC()).
		Where(r.db.Where("payment_status = ?", model.PaymentActive).
			Or("payment_status = ? AND failure_count < ?", model.PaymentFailed, maxAttempts)).
		Order("next_payment_date ASC, id ASC").
		Find(&subs).Error
	return subs, err
}

// ListWithPaymentData 列出 payment_data 非空的订阅，供回填使用
func (r *SubscriptionRepository) ListWithPaymentData() ([]model.Subscription, error) {
	var subs []model.Subscription
	err := r.db.Where("payment_data IS NOT NULL").Order("id ASC").Find(&subs).Error
	return subs, err
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 订阅状态
const (
	SubscriptionActive     = "active"
	SubscriptionCompleted  = "completed"
	SubscriptionTerminated = "terminated"
	SubscriptionCancelled  = "cancelled"
	SubscriptionPaused     = "paused"
	SubscriptionPending    = "pending"
)

// 扣款状态
const (
	PaymentActive     = "active"
	PaymentPaid       = "paid"
	PaymentFailed     = "failed"
	PaymentTerminated = "terminated"
)

// Subscription 会员的定期扣款订阅，每个用户至多一条
type Subscription struct {
	ID                 int64          `gorm:"primaryKey" json:"id"`
	UserID             string         `gorm:"size:64;uniqueIndex;not null" json:"user_id"`
	PeriodNo           *string        `gorm:"size:64;uniqueIndex" json:"period_no,omitempty"`
	MerchantOrderNo    string         `gorm:"size:64;index" json:"merchant_order_no"`
	SubscriptionStatus string         `gorm:"size:20;default:pending;index" json:"subscription_status"`
	PaymentStatus      string         `gorm:"size:20;default:active;index" json:"payment_status"`
	MonthlyFee         int64          `gorm:"not null" json:"monthly_fee"`
	LastPaymentDate    *time.Time     `json:"last_payment_date,omitempty"`
	NextPaymentDate    *time.Time     `gorm:"index" json:"next_payment_date,omitempty"`
	FailureCount       int            `gorm:"default:0" json:"failure_count"`
	CardToken          string         `gorm:"size:255" json:"-"`
	CardKey            string         `gorm:"size:255" json:"-"`
	SubscriberName     string         `gorm:"size:100" json:"subscriber_name"`
	SubscriberEmail    string         `gorm:"size:255" json:"subscriber_email"`
	SubscriberPhone    string         `gorm:"size:30" json:"-"`
	PaymentData        datatypes.JSON `json:"payment_data,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// BeforeSave 扣款日期统一以 UTC 保存，保证各数据库上的比较一致
func (s *Subscription) BeforeSave(_ *gorm.DB) error {
	s.LastPaymentDate = toUTC(s.LastPaymentDate)
	s.NextPaymentDate = toUTC(s.NextPaymentDate)
	return nil
}

func toUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// HasPeriodInfo 是否已绑定金流商的定期定额委托
func (s *Subscription) HasPeriodInfo() bool {
	return s.PeriodNo != nil && *s.PeriodNo != "" && s.MerchantOrderNo != ""
}

// PeriodNoValue 返回 period_no，未绑定时为空串
func (s *Subscription) PeriodNoValue() string {
	if s.PeriodNo == nil {
		return ""
	}
	return *s.PeriodNo
}

// Payment 解析 payment_data；空值返回空记录
func (s *Subscription) Payment() (*PaymentData, error) {
	return ParsePaymentData(s.PaymentData)
}

// MergePayment 将新的金流回应合并进 payment_data，已有字段保留
func (s *Subscription) MergePayment(entries ...PaymentEntry) error {
	return s.updatePayment(func(pd *PaymentData) {
		for _, e := range entries {
			pd.Merge(e)
		}
	})
}

// ArchivePeriodAgreement 重新订阅时归档旧委托字段
func (s *Subscription) ArchivePeriodAgreement() error {
	return s.updatePayment((*PaymentData).ArchivePeriodAgreement)
}

func (s *Subscription) updatePayment(fn func(*PaymentData)) error {
	pd, err := s.Payment()
	if err != nil {
		return err
	}
	fn(pd)
	raw, err := pd.MarshalJSON()
	if err != nil {
		return err
	}
	s.PaymentData = datatypes.JSON(raw)
	return nil
}

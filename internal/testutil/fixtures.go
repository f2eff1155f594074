package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/qs3c/scent_sub_server/internal/model"
)

// TestSubscription 创建测试订阅，默认已到期一次、状态 active
func TestSubscription(t *testing.T, db *gorm.DB, opts ...func(*model.Subscription)) *model.Subscription {
	t.Helper()

	last := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	next := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	sub := &model.Subscription{
		UserID:             uuid.NewString(),
		MerchantOrderNo:    fmt.Sprintf("SUB%d", time.Now().UnixNano()),
		SubscriptionStatus: model.SubscriptionActive,
		PaymentStatus:      model.PaymentActive,
		MonthlyFee:         599,
		LastPaymentDate:    &last,
		NextPaymentDate:    &next,
		CardToken:          "card_token_test",
		CardKey:            "card_key_test",
		SubscriberName:     "Test Subscriber",
		SubscriberEmail:    "subscriber@example.com",
	}

	for _, opt := range opts {
		opt(sub)
	}

	if err := db.Create(sub).Error; err != nil {
		t.Fatalf("Failed to create test subscription: %v", err)
	}

	return sub
}

// WithUserID 设置用户 ID
func WithUserID(userID string) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.UserID = userID
	}
}

// WithPeriodNo 设置金流商委托编号
func WithPeriodNo(periodNo string) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.PeriodNo = &periodNo
	}
}

// WithMerchantOrderNo 设置商店订单编号
func WithMerchantOrderNo(orderNo string) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.MerchantOrderNo = orderNo
	}
}

// WithStatus 设置订阅状态与扣款状态
func WithStatus(subscriptionStatus, paymentStatus string) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.SubscriptionStatus = subscriptionStatus
		s.PaymentStatus = paymentStatus
	}
}

// WithNextPaymentDate 设置下次扣款日
func WithNextPaymentDate(next time.Time) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.NextPaymentDate = &next
	}
}

// WithoutPaymentDates 清空扣款日期
func WithoutPaymentDates() func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.LastPaymentDate = nil
		s.NextPaymentDate = nil
	}
}

// WithFailureCount 设置连续失败次数
func WithFailureCount(n int) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.FailureCount = n
	}
}

// WithPaymentData 设置原始 payment_data
func WithPaymentData(raw string) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.PaymentData = datatypes.JSON(raw)
	}
}

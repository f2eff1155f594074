package dto

import "time"

// SubscribeRequest 订阅请求，prime 由前端 TapPay SDK 取得
type SubscribeRequest struct {
	Prime      string `json:"prime" binding:"required"`
	MonthlyFee int64  `json:"monthly_fee" binding:"required,min=1"`
	Name       string `json:"name" binding:"required,max=100"`
	Email      string `json:"email" binding:"required,email"`
	Phone      string `json:"phone" binding:"required,max=30"`
}

// SubscriptionInfo 订阅信息（返回给前端）
type SubscriptionInfo struct {
	UserID             string     `json:"user_id"`
	MerchantOrderNo    string     `json:"merchant_order_no"`
	PeriodNo           string     `json:"period_no,omitempty"`
	SubscriptionStatus string     `json:"subscription_status"`
	PaymentStatus      string     `json:"payment_status"`
	MonthlyFee         int64      `json:"monthly_fee"`
	LastPaymentDate    *time.Time `json:"last_payment_date"`
	NextPaymentDate    *time.Time `json:"next_payment_date"`
	FailureCount       int        `json:"failure_count"`
	SubscriberName     string     `json:"subscriber_name"`
	SubscriberEmail    string     `json:"subscriber_email"`
}

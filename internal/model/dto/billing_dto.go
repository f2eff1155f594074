package dto

import "time"

// 单笔扣款结果
const (
	ChargeResultCharged  = "charged"
	ChargeResultDeclined = "declined"
	ChargeResultSkipped  = "skipped"
	ChargeResultError    = "error"
)

// ChargeOutcome 单笔订阅的扣款结果
type ChargeOutcome struct {
	UserID          string     `json:"user_id"`
	Result          string     `json:"result"`
	Message         string     `json:"message,omitempty"`
	FailureCount    int        `json:"failure_count"`
	NextPaymentDate *time.Time `json:"next_payment_date,omitempty"`
}

// ChargeSummary 批量扣款汇总，error 为 null 表示全部处理完成
type ChargeSummary struct {
	Message     string          `json:"message"`
	Subscribers []ChargeOutcome `json:"subscribers"`
	Error       *string         `json:"error"`
}

// 回填结果
const (
	BackfillUpdated = "updated"
	BackfillSkipped = "skipped"
	BackfillFailed  = "failed"
)

type BackfillItem struct {
	UserID          string     `json:"user_id"`
	Status          string     `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	LastPaymentDate *time.Time `json:"last_payment_date,omitempty"`
	NextPaymentDate *time.Time `json:"next_payment_date,omitempty"`
}

// BackfillReport 回填报告
type BackfillReport struct {
	Total   int            `json:"total"`
	Updated int            `json:"updated"`
	Skipped int            `json:"skipped"`
	Failed  int            `json:"failed"`
	Items   []BackfillItem `json:"items"`
}

// CallbackResult 委托建立回传的处理结果
type CallbackResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	MerchantOrderNo string `json:"merchant_order_no"`
	PeriodNo        string `json:"period_no,omitempty"`
}

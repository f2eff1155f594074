package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/qs3c/scent_sub_server/config"
	"github.com/qs3c/scent_sub_server/internal/model"
	"github.com/qs3c/scent_sub_server/internal/model/dto"
	"github.com/qs3c/scent_sub_server/internal/pkg/lock"
	"github.com/qs3c/scent_sub_server/internal/pkg/newebpay"
	"github.com/qs3c/scent_sub_server/internal/pkg/tappay"
	"github.com/qs3c/scent_sub_server/internal/pkg/vendordate"
	"github.com/qs3c/scent_sub_server/internal/repository"
)

var (
	ErrSubscriptionNotFound = errors.New("订阅不存在")
	ErrNoActiveSubscription = errors.New("没有进行中的订阅")
	ErrMissingPeriodInfo    = errors.New("订阅缺少委托编号或订单编号")
	ErrMissingCardSecret    = errors.New("订阅缺少信用卡授权凭证")
	ErrNotDue               = errors.New("订阅尚未到扣款日")
	ErrRetryExhausted       = errors.New("扣款失败次数已达上限")
	ErrTerminated           = errors.New("订阅已终止")
	ErrGatewayUnavailable   = errors.New("金流服务暂时无法使用")
	ErrUnmatchedPeriod      = errors.New("找不到委托对应的订阅")
	ErrPeriodConflict       = errors.New("订单已绑定其他委托")
	ErrInvalidCallback      = errors.New("金流通知内容无效")
	ErrCallbackRejected     = errors.New("金流通知状态非成功")
	ErrBusy                 = errors.New("订阅正在处理中，请稍后再试")
	ErrRunInProgress        = errors.New("批量扣款正在执行")
	ErrReconcileDiscrepancy = errors.New("金流商已处理但订阅更新失败")
)

const (
	chargeDetails = "Monthly perfume subscription"
	runLockName   = "run:charge-due"
)

// CardGateway 信用卡授权（首次 prime、续期 token）
type CardGateway interface {
	PayByPrime(ctx context.Context, req *tappay.PrimeRequest) (*tappay.ChargeResponse, error)
	PayByToken(ctx context.Context, req *tappay.TokenRequest) (*tappay.ChargeResponse, error)
}

// PeriodGateway 定期定额委托
type PeriodGateway interface {
	DecodePeriod(encrypted string) (*newebpay.PeriodResponse, error)
	Terminate(ctx context.Context, merchantOrderNo, periodNo string) (*newebpay.PeriodResponse, error)
}

// ReconcileService 对账引擎：主动扣款、委托通知、终止与回填
type ReconcileService struct {
	subRepo     *repository.SubscriptionRepository
	cards       CardGateway
	periods     PeriodGateway
	locker      *lock.Locker
	loc         *time.Location
	maxAttempts int
	lockTTL     time.Duration
	runLockTTL  time.Duration
	now         func() time.Time
}

func NewReconcileService(
	subRepo *repository.SubscriptionRepository,
	cards CardGateway,
	periods PeriodGateway,
	locker *lock.Locker,
	cfg config.BillingConfig,
) *ReconcileService {
	return &ReconcileService{
		subRepo:     subRepo,
		cards:       cards,
		periods:     periods,
		locker:      locker,
		loc:         cfg.Location(),
		maxAttempts: cfg.MaxAttempts(),
		lockTTL:     cfg.LockTTL(),
		runLockTTL:  cfg.RunLockTTL(),
		now:         time.Now,
	}
}

func (s *ReconcileService) withSubscriptionLock(ctx context.Context, userID string, fn func() error) error {
	err := s.locker.Do(ctx, "sub:"+userID, s.lockTTL, fn)
	if errors.Is(err, lock.ErrNotAcquired) {
		return ErrBusy
	}
	return err
}

// ChargeSubscription 对单笔到期订阅以 card token 扣款
// 被拒时记录失败并返回 declined 结果，不返回错误；网络错误不改动订阅
func (s *ReconcileService) ChargeSubscription(ctx context.Context, userID string) (*dto.ChargeOutcome, error) {
	var outcome *dto.ChargeOutcome
	err := s.withSubscriptionLock(ctx, userID, func() error {
		var err error
		outcome, err = s.chargeLocked(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *ReconcileService) chargeLocked(ctx context.Context, userID string) (*dto.ChargeOutcome, error) {
	sub, err := s.subRepo.FindByUserID(userID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return nil, ErrNoActiveSubscription
		}
		return nil, err
	}

	now := s.now().In(s.loc)
	if err := s.checkChargeable(sub, now); err != nil {
		return nil, err
	}

	resp, err := s.cards.PayByToken(ctx, &tappay.TokenRequest{
		CardToken:   sub.CardToken,
		CardKey:     sub.CardKey,
		Amount:      sub.MonthlyFee,
		Details:     chargeDetails,
		OrderNumber: sub.MerchantOrderNo,
	})

	var decline *tappay.DeclineError
	switch {
	case errors.As(err, &decline):
		return s.recordDecline(sub, decline, now)
	case err != nil:
		slog.Error("card gateway unavailable",
			"source", "billing",
			"user_id", userID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	return s.recordCharge(sub, resp, now)
}

func (s *ReconcileService) checkChargeable(sub *model.Subscription, now time.Time) error {
	if sub.PaymentStatus == model.PaymentTerminated || sub.SubscriptionStatus == model.SubscriptionTerminated {
		return ErrTerminated
	}
	if sub.SubscriptionStatus != model.SubscriptionActive {
		return ErrNoActiveSubscription
	}
	switch sub.PaymentStatus {
	case model.PaymentActive:
	case model.PaymentFailed:
		if sub.FailureCount >= s.maxAttempts {
			return ErrRetryExhausted
		}
	default:
		// paid 的订阅由定期定额委托自动扣款
		return ErrNoActiveSubscription
	}
	if sub.NextPaymentDate == nil || sub.NextPaymentDate.After(now) {
		return ErrNotDue
	}
	if sub.CardToken == "" || sub.CardKey == "" {
		return ErrMissingCardSecret
	}
	return nil
}

func (s *ReconcileService) recordDecline(sub *model.Subscription, decline *tappay.DeclineError, now time.Time) (*dto.ChargeOutcome, error) {
	updated, err := s.subRepo.UpdateByUserID(sub.UserID, []string{model.SubscriptionActive}, func(row *model.Subscription) error {
		row.PaymentStatus = model.PaymentFailed
		row.FailureCount++
		return row.MergePayment(model.ChargeFailure{
			Status:   decline.Status,
			Message:  decline.Message,
			FailedAt: now,
		})
	})
	if err != nil {
		slog.Error("failed to record declined charge",
			"source", "billing",
			"user_id", sub.UserID,
			"status", decline.Status,
			"error", err,
		)
		return nil, err
	}

	slog.Warn("recurring charge declined",
		"source", "billing",
		"user_id", sub.UserID,
		"status", decline.Status,
		"message", decline.Message,
		"failure_count", updated.FailureCount,
	)
	if updated.FailureCount >= s.maxAttempts {
		slog.Warn("retry budget exhausted",
			"source", "billing",
			"user_id", sub.UserID,
			"failure_count", updated.FailureCount,
		)
	}

	return &dto.ChargeOutcome{
		UserID:          sub.UserID,
		Result:          dto.ChargeResultDeclined,
		Message:         decline.Message,
		FailureCount:    updated.FailureCount,
		NextPaymentDate: updated.NextPaymentDate,
	}, nil
}

func (s *ReconcileService) recordCharge(sub *model.Subscription, resp *tappay.ChargeResponse, now time.Time) (*dto.ChargeOutcome, error) {
	last := now
	next := vendordate.AddMonth(now)

	updated, err := s.subRepo.UpdateByUserID(sub.UserID, []string{model.SubscriptionActive}, func(row *model.Subscription) error {
		if row.PaymentStatus == model.PaymentTerminated {
			return ErrTerminated
		}
		row.PaymentStatus = model.PaymentActive
		row.FailureCount = 0
		row.LastPaymentDate = &last
		row.NextPaymentDate = &next
		return row.MergePayment(chargeResult(resp, now))
	})
	if err != nil {
		// 金流商已扣款，不重试，留待人工对账
		slog.Error("charge succeeded but subscription update failed",
			"source", "billing",
			"user_id", sub.UserID,
			"rec_trade_id", resp.RecTradeID,
			"amount", resp.Amount,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrReconcileDiscrepancy, err)
	}

	slog.Info("recurring charge succeeded",
		"source", "billing",
		"user_id", sub.UserID,
		"rec_trade_id", resp.RecTradeID,
		"amount", resp.Amount,
		"next_payment_date", next,
	)

	return &dto.ChargeOutcome{
		UserID:          sub.UserID,
		Result:          dto.ChargeResultCharged,
		FailureCount:    updated.FailureCount,
		NextPaymentDate: updated.NextPaymentDate,
	}, nil
}

func chargeResult(resp *tappay.ChargeResponse, at time.Time) model.ChargeResult {
	return model.ChargeResult{
		RecTradeID:        resp.RecTradeID,
		BankTransactionID: resp.BankTransactionID,
		AuthCode:          resp.AuthCode,
		Amount:            resp.Amount,
		Currency:          resp.Currency,
		TransactionTime:   resp.TransactionTimeMillis,
		ChargedAt:         at,
	}
}

// ChargeDue 对所有到期订阅逐笔扣款，单笔失败不影响其余
// 同一时间只允许一个批次运行
func (s *ReconcileService) ChargeDue(ctx context.Context) (*dto.ChargeSummary, error) {
	var summary *dto.ChargeSummary
	err := s.locker.Do(ctx, runLockName, s.runLockTTL, func() error {
		var err error
		summary, err = s.chargeDue(ctx)
		return err
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *ReconcileService) chargeDue(ctx context.Context) (*dto.ChargeSummary, error) {
	now := s.now().In(s.loc)
	subs, err := s.subRepo.ListDueActive(now, s.maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}

	outcomes := make([]dto.ChargeOutcome, 0, len(subs))
	counts := make(map[string]int)
	for _, sub := range subs {
		if ctx.Err() != nil {
			outcomes = append(outcomes, dto.ChargeOutcome{
				UserID:  sub.UserID,
				Result:  dto.ChargeResultSkipped,
				Message: ctx.Err().Error(),
			})
			counts[dto.ChargeResultSkipped]++
			continue
		}
		outcome := s.chargeIsolated(ctx, sub.UserID)
		outcomes = append(outcomes, *outcome)
		counts[outcome.Result]++
	}

	summary := &dto.ChargeSummary{
		Message: fmt.Sprintf("processed %d due subscriptions: %d charged, %d declined, %d skipped, %d errors",
			len(subs),
			counts[dto.ChargeResultCharged],
			counts[dto.ChargeResultDeclined],
			counts[dto.ChargeResultSkipped],
			counts[dto.ChargeResultError],
		),
		Subscribers: outcomes,
	}
	if n := counts[dto.ChargeResultError]; n > 0 {
		msg := fmt.Sprintf("%d of %d subscriptions could not be processed", n, len(subs))
		summary.Error = &msg
	}

	slog.Info("charge-due run finished",
		"source", "billing",
		"due", len(subs),
		"charged", counts[dto.ChargeResultCharged],
		"declined", counts[dto.ChargeResultDeclined],
		"skipped", counts[dto.ChargeResultSkipped],
		"errors", counts[dto.ChargeResultError],
	)
	return summary, nil
}

func (s *ReconcileService) chargeIsolated(ctx context.Context, userID string) (outcome *dto.ChargeOutcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while charging subscription",
				"source", "billing",
				"user_id", userID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			outcome = &dto.ChargeOutcome{
				UserID:  userID,
				Result:  dto.ChargeResultError,
				Message: fmt.Sprint(r),
			}
		}
	}()

	res, err := s.ChargeSubscription(ctx, userID)
	if err == nil {
		return res
	}

	result := dto.ChargeResultError
	switch {
	case errors.Is(err, ErrBusy), errors.Is(err, ErrNotDue),
		errors.Is(err, ErrNoActiveSubscription), errors.Is(err, ErrTerminated),
		errors.Is(err, ErrRetryExhausted):
		// 列表读取后状态已被其他流程改变
		result = dto.ChargeResultSkipped
	}
	return &dto.ChargeOutcome{
		UserID:  userID,
		Result:  result,
		Message: err.Error(),
	}
}

// DecodePeriod 解密金流通知的 Period 参数
func (s *ReconcileService) DecodePeriod(encrypted string) (*newebpay.PeriodResponse, error) {
	resp, err := s.periods.DecodePeriod(encrypted)
	if err != nil {
		slog.Warn("failed to decode period payload", "source", "webhook", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	return resp, nil
}

// HandlePeriodNotification 处理定期定额每期授权通知
// 日期以金流商提供的值为准，重复通知得到相同结果
func (s *ReconcileService) HandlePeriodNotification(ctx context.Context, resp *newebpay.PeriodResponse) (*model.Subscription, error) {
	r := resp.Result
	if !resp.Success() {
		slog.Warn("period notification not successful",
			"source", "webhook",
			"status", resp.Status,
			"message", resp.Message,
			"period_no", r.PeriodNo.String(),
		)
		return nil, ErrCallbackRejected
	}

	periodNo := r.PeriodNo.String()
	if periodNo == "" {
		slog.Warn("period notification without period number", "source", "webhook")
		return nil, ErrUnmatchedPeriod
	}

	sub, err := s.subRepo.FindByPeriodNo(periodNo)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			slog.Warn("period notification for unknown agreement", "source", "webhook", "period_no", periodNo)
			return nil, ErrUnmatchedPeriod
		}
		return nil, err
	}

	authAt, ok := vendordate.FirstValid(s.loc, r.AuthDate.String(), r.AuthTime.String())
	if !ok {
		slog.Warn("period notification with unparseable auth date",
			"source", "webhook",
			"period_no", periodNo,
			"auth_date", r.AuthDate.String(),
		)
		return nil, ErrInvalidCallback
	}
	next, ok := vendordate.Parse(r.NextAuthDate.String(), s.loc)
	if !ok {
		next = vendordate.AddMonth(authAt)
	}

	// 下次授权日与本次相同表示委托期数已用完
	completed := vendordate.SameInstant(r.AuthDate.String(), r.NextAuthDate.String(), s.loc)

	var updated *model.Subscription
	stale := false
	err = s.withSubscriptionLock(ctx, sub.UserID, func() error {
		var err error
		allowed := []string{model.SubscriptionActive, model.SubscriptionCompleted}
		updated, err = s.subRepo.UpdateByPeriodNo(periodNo, allowed, func(row *model.Subscription) error {
			// 晚到的旧期通知不能覆盖已记录的新一期
			if row.PaymentStatus == model.PaymentPaid && row.LastPaymentDate != nil && row.LastPaymentDate.After(authAt) {
				stale = true
				return nil
			}
			last, nextDate := authAt, next
			row.LastPaymentDate = &last
			row.NextPaymentDate = &nextDate
			row.PaymentStatus = model.PaymentPaid
			row.FailureCount = 0
			if completed {
				row.SubscriptionStatus = model.SubscriptionCompleted
			} else {
				row.SubscriptionStatus = model.SubscriptionActive
			}
			if amt := r.AuthAmt.Int64(); amt > 0 {
				row.MonthlyFee = amt
			}
			return row.MergePayment(model.PeriodAuth{
				MerchantOrderNo: r.MerchantOrderNo.String(),
				OrderNo:         r.OrderNo.String(),
				TradeNo:         r.TradeNo.String(),
				AuthCode:        r.AuthCode.String(),
				AuthDate:        r.AuthDate.String(),
				NextAuthDate:    r.NextAuthDate.String(),
				AuthAmt:         r.AuthAmt.Int64(),
				AlreadyTimes:    r.AlreadyTimes.String(),
				TotalTimes:      r.TotalTimes.String(),
				RespondCode:     r.RespondCode.String(),
			})
		})
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			slog.Warn("period notification for inactive subscription",
				"source", "webhook",
				"user_id", sub.UserID,
				"period_no", periodNo,
				"status", sub.SubscriptionStatus,
			)
			return nil, ErrNoActiveSubscription
		}
		if !errors.Is(err, ErrBusy) {
			slog.Error("failed to apply period notification",
				"source", "webhook",
				"user_id", sub.UserID,
				"period_no", periodNo,
				"error", err,
			)
		}
		return nil, err
	}
	if stale {
		slog.Warn("period notification older than stored payment, ignored",
			"source", "webhook",
			"user_id", updated.UserID,
			"period_no", periodNo,
			"auth_date", r.AuthDate.String(),
			"last_payment_date", updated.LastPaymentDate,
		)
		return updated, nil
	}

	slog.Info("period notification applied",
		"source", "webhook",
		"user_id", updated.UserID,
		"period_no", periodNo,
		"subscription_status", updated.SubscriptionStatus,
		"next_payment_date", next,
	)
	return updated, nil
}

// BindPeriod 委托建立后将 period_no 绑定到订单对应的订阅
// 已绑定其他委托时拒绝，已绑定相同委托时视为重复回传
func (s *ReconcileService) BindPeriod(ctx context.Context, resp *newebpay.PeriodResponse) (*dto.CallbackResult, error) {
	r := resp.Result
	result := &dto.CallbackResult{
		MerchantOrderNo: r.MerchantOrderNo.String(),
		PeriodNo:        r.PeriodNo.String(),
		Message:         resp.Message,
	}
	if !resp.Success() {
		slog.Warn("period agreement was not created",
			"source", "webhook",
			"merchant_order_no", result.MerchantOrderNo,
			"status", resp.Status,
			"message", resp.Message,
		)
		return result, nil
	}
	if result.MerchantOrderNo == "" || result.PeriodNo == "" {
		return nil, ErrInvalidCallback
	}

	allowed := []string{model.SubscriptionActive, model.SubscriptionPending}
	_, err := s.subRepo.UpdateByMerchantOrderNo(result.MerchantOrderNo, allowed, func(row *model.Subscription) error {
		if current := row.PeriodNoValue(); current != "" && current != result.PeriodNo {
			return ErrPeriodConflict
		}
		periodNo := result.PeriodNo
		row.PeriodNo = &periodNo
		return row.MergePayment(model.PeriodCreated{
			MerchantOrderNo: r.MerchantOrderNo.String(),
			PeriodNo:        r.PeriodNo.String(),
			TradeNo:         r.TradeNo.String(),
			AuthCode:        r.AuthCode.String(),
			AuthTime:        r.AuthTime.String(),
			PeriodAmt:       r.PeriodAmt.Int64(),
			AuthTimes:       r.AuthTimes.String(),
			DateArray:       r.DateArray.String(),
		})
	})
	switch {
	case errors.Is(err, repository.ErrSubscriptionNotFound), errors.Is(err, repository.ErrStatusConflict):
		slog.Warn("period agreement for unknown order",
			"source", "webhook",
			"merchant_order_no", result.MerchantOrderNo,
			"error", err,
		)
		return nil, ErrUnmatchedPeriod
	case errors.Is(err, ErrPeriodConflict):
		slog.Error("order already bound to another agreement",
			"source", "webhook",
			"merchant_order_no", result.MerchantOrderNo,
			"period_no", result.PeriodNo,
		)
		return nil, err
	case err != nil:
		return nil, err
	}

	slog.Info("period agreement bound",
		"source", "webhook",
		"merchant_order_no", result.MerchantOrderNo,
		"period_no", result.PeriodNo,
	)
	result.Success = true
	return result, nil
}

// Terminate 终止用户的定期定额委托
// 缺少委托信息时不呼叫金流商
func (s *ReconcileService) Terminate(ctx context.Context, userID string) (*model.Subscription, error) {
	sub, err := s.subRepo.FindByUserID(userID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return nil, ErrNoActiveSubscription
		}
		return nil, err
	}
	if sub.SubscriptionStatus == model.SubscriptionTerminated {
		return nil, ErrTerminated
	}
	if sub.SubscriptionStatus != model.SubscriptionActive {
		return nil, ErrNoActiveSubscription
	}
	if !sub.HasPeriodInfo() {
		slog.Error("subscription has no agreement to terminate",
			"source", "billing",
			"user_id", userID,
			"merchant_order_no", sub.MerchantOrderNo,
		)
		return nil, ErrMissingPeriodInfo
	}

	var updated *model.Subscription
	err = s.withSubscriptionLock(ctx, userID, func() error {
		resp, err := s.periods.Terminate(ctx, sub.MerchantOrderNo, sub.PeriodNoValue())
		if err != nil {
			var statusErr *newebpay.StatusError
			if errors.As(err, &statusErr) {
				slog.Warn("gateway refused termination",
					"source", "billing",
					"user_id", userID,
					"status", statusErr.Status,
					"message", statusErr.Message,
				)
				return err
			}
			slog.Error("period gateway unavailable", "source", "billing", "user_id", userID, "error", err)
			return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}

		now := s.now().In(s.loc)
		updated, err = s.subRepo.UpdateByUserID(userID, []string{model.SubscriptionActive}, func(row *model.Subscription) error {
			row.SubscriptionStatus = model.SubscriptionTerminated
			row.PaymentStatus = model.PaymentTerminated
			return row.MergePayment(model.Termination{
				TerminatedAt: now,
				Result:       resp.RawMap(),
			})
		})
		if err != nil {
			slog.Error("agreement terminated but subscription update failed",
				"source", "billing",
				"user_id", userID,
				"period_no", sub.PeriodNoValue(),
				"error", err,
			)
			return fmt.Errorf("%w: %v", ErrReconcileDiscrepancy, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("subscription terminated", "source", "billing", "user_id", userID)
	return updated, nil
}

// Backfill 依 payment_data 重新计算上次与下次扣款日
func (s *ReconcileService) Backfill(ctx context.Context) (*dto.BackfillReport, error) {
	subs, err := s.subRepo.ListWithPaymentData()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	report := &dto.BackfillReport{Items: make([]dto.BackfillItem, 0, len(subs))}
	for i := range subs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		item := s.backfillOne(&subs[i])
		report.Total++
		switch item.Status {
		case dto.BackfillUpdated:
			report.Updated++
		case dto.BackfillSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
		report.Items = append(report.Items, item)
	}

	slog.Info("backfill finished",
		"source", "billing",
		"total", report.Total,
		"updated", report.Updated,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

func (s *ReconcileService) backfillOne(sub *model.Subscription) (item dto.BackfillItem) {
	item.UserID = sub.UserID
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during backfill", "source", "billing", "user_id", sub.UserID, "panic", r)
			item.Status = dto.BackfillFailed
			item.Reason = fmt.Sprint(r)
		}
	}()

	pd, err := sub.Payment()
	if err != nil {
		item.Status = dto.BackfillFailed
		item.Reason = err.Error()
		return item
	}

	last, ok := lastPaymentFromRecord(sub, pd, s.loc)
	if !ok {
		item.Status = dto.BackfillSkipped
		item.Reason = "no usable payment date"
		return item
	}
	// 回填只能把付款日往后推，往前会让已扣款的订阅再次到期
	if sub.LastPaymentDate != nil && last.Before(*sub.LastPaymentDate) {
		item.Status = dto.BackfillSkipped
		item.Reason = "older than stored payment date"
		return item
	}
	next, ok := vendordate.Parse(pd.GetString("NextAuthDate"), s.loc)
	if !ok || !next.After(last) {
		next = vendordate.AddMonth(last)
	}
	item.LastPaymentDate = &last
	item.NextPaymentDate = &next

	if sameTime(sub.LastPaymentDate, last) && sameTime(sub.NextPaymentDate, next) {
		item.Status = dto.BackfillSkipped
		item.Reason = "unchanged"
		return item
	}

	_, err = s.subRepo.UpdateByUserID(sub.UserID, nil, func(row *model.Subscription) error {
		l, n := last, next
		row.LastPaymentDate = &l
		row.NextPaymentDate = &n
		return nil
	})
	if err != nil {
		slog.Error("backfill update failed", "source", "billing", "user_id", sub.UserID, "error", err)
		item.Status = dto.BackfillFailed
		item.Reason = err.Error()
		return item
	}
	item.Status = dto.BackfillUpdated
	return item
}

// lastPaymentFromRecord 按优先顺序取第一个可解析的付款时间
// 已转入定期定额的订阅以委托授权日为准，其余以最近一次信用卡扣款为准
func lastPaymentFromRecord(sub *model.Subscription, pd *model.PaymentData, loc *time.Location) (time.Time, bool) {
	if sub.PaymentStatus == model.PaymentPaid {
		if t, ok := periodPaymentTime(pd, loc); ok {
			return t, true
		}
		return chargePaymentTime(pd, loc)
	}
	if t, ok := chargePaymentTime(pd, loc); ok {
		return t, true
	}
	return periodPaymentTime(pd, loc)
}

func periodPaymentTime(pd *model.PaymentData, loc *time.Location) (time.Time, bool) {
	candidates := []string{
		pd.GetString("AuthDate"),
		pd.GetString("auth_time"),
		pd.GetString("AuthTime"),
		pd.GetString("PayTime"),
	}
	for _, c := range candidates {
		if t, ok := vendordate.Parse(c, loc); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func chargePaymentTime(pd *model.PaymentData, loc *time.Location) (time.Time, bool) {
	if ms := pd.GetString("transaction_time_millis"); ms != "" {
		if millis, err := strconv.ParseInt(ms, 10, 64); err == nil && millis > 0 {
			return time.UnixMilli(millis).In(loc), true
		}
	}
	return vendordate.Parse(pd.GetString("last_charge_at"), loc)
}

func sameTime(p *time.Time, t time.Time) bool {
	return p != nil && p.Equal(t)
}

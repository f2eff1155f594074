package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/scent_sub_server/internal/model"
	"github.com/qs3c/scent_sub_server/internal/model/dto"
	"github.com/qs3c/scent_sub_server/internal/pkg/lock"
	"github.com/qs3c/scent_sub_server/internal/pkg/newebpay"
	"github.com/qs3c/scent_sub_server/internal/pkg/tappay"
	"github.com/qs3c/scent_sub_server/internal/testutil"
)

func reload(t *testing.T, env *billingEnv, userID string) *model.Subscription {
	t.Helper()
	sub, err := env.repo.FindByUserID(userID)
	require.NoError(t, err)
	return sub
}

func paymentData(t *testing.T, sub *model.Subscription) *model.PaymentData {
	t.Helper()
	pd, err := sub.Payment()
	require.NoError(t, err)
	return pd
}

func TestReconcileService_ChargeSubscription_Success(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db)

	outcome, err := env.reconcile.ChargeSubscription(context.Background(), sub.UserID)
	require.NoError(t, err)
	assert.Equal(t, dto.ChargeResultCharged, outcome.Result)

	require.Len(t, env.cards.tokenCalls, 1)
	req := env.cards.tokenCalls[0]
	assert.Equal(t, "card_token_test", req.CardToken)
	assert.Equal(t, "card_key_test", req.CardKey)
	assert.Equal(t, int64(599), req.Amount)
	assert.Equal(t, sub.MerchantOrderNo, req.OrderNumber)

	got := reload(t, env, sub.UserID)
	assert.Equal(t, model.SubscriptionActive, got.SubscriptionStatus)
	assert.Equal(t, model.PaymentActive, got.PaymentStatus)
	assert.Equal(t, 0, got.FailureCount)
	require.NotNil(t, got.LastPaymentDate)
	require.NotNil(t, got.NextPaymentDate)
	assert.True(t, got.LastPaymentDate.Equal(fixedNow))
	assert.True(t, got.NextPaymentDate.Equal(time.Date(2025, 3, 1, 21, 0, 0, 0, taipei)))

	pd := paymentData(t, got)
	assert.Equal(t, "D20250201ABC", pd.GetString("rec_trade_id"))
	assert.Equal(t, "599", pd.GetString("amount"))
	assert.Equal(t, "success", pd.GetString("last_charge_status"))
}

func TestReconcileService_ChargeSubscription_Declined(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db)
	env.cards.tokenFn = func(*tappay.TokenRequest) (*tappay.ChargeResponse, error) {
		return declined(1, "insufficient funds")
	}

	outcome, err := env.reconcile.ChargeSubscription(context.Background(), sub.UserID)
	require.NoError(t, err)
	assert.Equal(t, dto.ChargeResultDeclined, outcome.Result)
	assert.Equal(t, "insufficient funds", outcome.Message)
	assert.Equal(t, 1, outcome.FailureCount)

	got := reload(t, env, sub.UserID)
	assert.Equal(t, model.SubscriptionActive, got.SubscriptionStatus)
	assert.Equal(t, model.PaymentFailed, got.PaymentStatus)
	assert.Equal(t, 1, got.FailureCount)
	// 被拒不推进扣款日
	assert.True(t, got.NextPaymentDate.Equal(*sub.NextPaymentDate))
	assert.True(t, got.LastPaymentDate.Equal(*sub.LastPaymentDate))

	pd := paymentData(t, got)
	assert.Equal(t, "insufficient funds", pd.GetString("error_message"))
	assert.Equal(t, "1", pd.GetString("error_status"))
	assert.Equal(t, "failed", pd.GetString("last_charge_status"))
}

func TestReconcileService_ChargeSubscription_TransportErrorLeavesStateUntouched(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db)
	env.cards.tokenFn = func(*tappay.TokenRequest) (*tappay.ChargeResponse, error) {
		return nil, fmt.Errorf("%w: connection reset", tappay.ErrTransport)
	}

	_, err := env.reconcile.ChargeSubscription(context.Background(), sub.UserID)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	got := reload(t, env, sub.UserID)
	assert.Equal(t, model.PaymentActive, got.PaymentStatus)
	assert.Equal(t, 0, got.FailureCount)
	assert.True(t, got.NextPaymentDate.Equal(*sub.NextPaymentDate))
	assert.Equal(t, 0, paymentData(t, got).Len())
}

func TestReconcileService_ChargeSubscription_Preconditions(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	notDue := testutil.TestSubscription(t, env.db, testutil.WithNextPaymentDate(fixedNow.Add(24*time.Hour)))
	terminated := testutil.TestSubscription(t, env.db,
		testutil.WithStatus(model.SubscriptionTerminated, model.PaymentTerminated))
	exhausted := testutil.TestSubscription(t, env.db,
		testutil.WithStatus(model.SubscriptionActive, model.PaymentFailed), testutil.WithFailureCount(3))
	paid := testutil.TestSubscription(t, env.db,
		testutil.WithStatus(model.SubscriptionActive, model.PaymentPaid))
	noCard := testutil.TestSubscription(t, env.db, func(s *model.Subscription) {
		s.CardToken = ""
	})

	tests := []struct {
		name   string
		userID string
		want   error
	}{
		{"not due", notDue.UserID, ErrNotDue},
		{"terminated", terminated.UserID, ErrTerminated},
		{"retry budget exhausted", exhausted.UserID, ErrRetryExhausted},
		{"managed by agreement", paid.UserID, ErrNoActiveSubscription},
		{"missing card secret", noCard.UserID, ErrMissingCardSecret},
		{"unknown user", "nobody", ErrNoActiveSubscription},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.reconcile.ChargeSubscription(context.Background(), tt.userID)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, env.cards.tokenCalls)
}

func TestReconcileService_ChargeSubscription_Busy(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db)

	held, err := env.locker.Acquire(context.Background(), "sub:"+sub.UserID, time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	_, err = env.reconcile.ChargeSubscription(context.Background(), sub.UserID)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Empty(t, env.cards.tokenCalls)
}

func TestReconcileService_ChargeSubscription_PersistFailureIsNotRetried(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db)
	env.cards.tokenFn = func(req *tappay.TokenRequest) (*tappay.ChargeResponse, error) {
		// 扣款期间记录被移除，更新必然失败
		require.NoError(t, env.db.Where("user_id = ?", sub.UserID).Delete(&model.Subscription{}).Error)
		return approved(req.Amount), nil
	}

	_, err := env.reconcile.ChargeSubscription(context.Background(), sub.UserID)
	assert.ErrorIs(t, err, ErrReconcileDiscrepancy)
	assert.Len(t, env.cards.tokenCalls, 1)
}

func TestReconcileService_RetryBudget(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db,
		testutil.WithStatus(model.SubscriptionActive, model.PaymentFailed), testutil.WithFailureCount(2))
	env.cards.tokenFn = func(*tappay.TokenRequest) (*tappay.ChargeResponse, error) {
		return declined(10003, "card expired")
	}

	summary, err := env.reconcile.ChargeDue(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Subscribers, 1)
	assert.Equal(t, dto.ChargeResultDeclined, summary.Subscribers[0].Result)
	assert.Equal(t, 3, reload(t, env, sub.UserID).FailureCount)

	// 达到上限后不再被选中
	summary, err = env.reconcile.ChargeDue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Subscribers)
	assert.Len(t, env.cards.tokenCalls, 1)
}

func TestReconcileService_SuccessAfterFailureResetsCounter(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db,
		testutil.WithStatus(model.SubscriptionActive, model.PaymentFailed), testutil.WithFailureCount(2))

	outcome, err := env.reconcile.ChargeSubscription(context.Background(), sub.UserID)
	require.NoError(t, err)
	assert.Equal(t, dto.ChargeResultCharged, outcome.Result)

	got := reload(t, env, sub.UserID)
	assert.Equal(t, model.PaymentActive, got.PaymentStatus)
	assert.Equal(t, 0, got.FailureCount)
}

func TestReconcileService_ChargeDue_IsolatesFailures(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	ok := testutil.TestSubscription(t, env.db, testutil.WithMerchantOrderNo("SUB-OK"))
	decline := testutil.TestSubscription(t, env.db, testutil.WithMerchantOrderNo("SUB-DECLINE"))
	boom := testutil.TestSubscription(t, env.db, testutil.WithMerchantOrderNo("SUB-PANIC"))
	testutil.TestSubscription(t, env.db, testutil.WithNextPaymentDate(fixedNow.AddDate(0, 0, 3)))

	env.cards.tokenFn = func(req *tappay.TokenRequest) (*tappay.ChargeResponse, error) {
		switch req.OrderNumber {
		case "SUB-DECLINE":
			return declined(1, "insufficient funds")
		case "SUB-PANIC":
			panic("unexpected gateway payload")
		}
		return approved(req.Amount), nil
	}

	summary, err := env.reconcile.ChargeDue(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Subscribers, 3)

	results := make(map[string]string)
	for _, o := range summary.Subscribers {
		results[o.UserID] = o.Result
	}
	assert.Equal(t, dto.ChargeResultCharged, results[ok.UserID])
	assert.Equal(t, dto.ChargeResultDeclined, results[decline.UserID])
	assert.Equal(t, dto.ChargeResultError, results[boom.UserID])

	require.NotNil(t, summary.Error)
	assert.Contains(t, *summary.Error, "1 of 3")
	assert.Contains(t, summary.Message, "1 charged")

	// panic 后锁已释放
	_, err = env.locker.Acquire(context.Background(), "sub:"+boom.UserID, time.Minute)
	assert.NoError(t, err)

	raw, err := json.Marshal(summary)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"subscribers":[`)
}

func TestReconcileService_ChargeDue_NoErrorsHasNullError(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	testutil.TestSubscription(t, env.db)

	summary, err := env.reconcile.ChargeDue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, summary.Error)

	raw, err := json.Marshal(summary)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"error":null`)
}

func TestReconcileService_ChargeDue_RunInProgress(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	held, err := env.locker.Acquire(context.Background(), runLockName, time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	_, err = env.reconcile.ChargeDue(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func periodNotification(periodNo, authDate, nextAuthDate string) *newebpay.PeriodResponse {
	return &newebpay.PeriodResponse{
		Status:  "SUCCESS",
		Message: "授權成功",
		Result: newebpay.PeriodResult{
			MerchantOrderNo: "SUB250101",
			OrderNo:         "SUB250101_2",
			TradeNo:         "23010112000012345",
			PeriodNo:        newebpay.Value(periodNo),
			AuthCode:        "654321",
			AuthDate:        newebpay.Value(authDate),
			NextAuthDate:    newebpay.Value(nextAuthDate),
			AuthAmt:         "599",
			AlreadyTimes:    "2",
			TotalTimes:      "12",
			RespondCode:     "00",
		},
	}
}

func TestReconcileService_HandlePeriodNotification_Active(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db, testutil.WithPeriodNo("P250101"))

	got, err := env.reconcile.HandlePeriodNotification(context.Background(),
		periodNotification("P250101", "20250101120000", "20250201120000"))
	require.NoError(t, err)
	assert.Equal(t, sub.UserID, got.UserID)

	stored := reload(t, env, sub.UserID)
	assert.Equal(t, model.SubscriptionActive, stored.SubscriptionStatus)
	assert.Equal(t, model.PaymentPaid, stored.PaymentStatus)
	assert.True(t, stored.LastPaymentDate.Equal(time.Date(2025, 1, 1, 12, 0, 0, 0, taipei)))
	assert.True(t, stored.NextPaymentDate.Equal(time.Date(2025, 2, 1, 12, 0, 0, 0, taipei)))

	pd := paymentData(t, stored)
	assert.Equal(t, "20250101120000", pd.GetString("AuthDate"))
	assert.Equal(t, "20250201120000", pd.GetString("NextAuthDate"))
	assert.Equal(t, "2", pd.GetString("AlreadyTimes"))
}

func TestReconcileService_HandlePeriodNotification_Completed(t *testing.T) {
	tests := []struct {
		name     string
		authDate string
		nextDate string
	}{
		{"identical strings", "20251201", "20251201"},
		{"same date in different formats", "20251201", "2025-12-01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, cleanup := setupBillingEnv(t)
			defer cleanup()

			sub := testutil.TestSubscription(t, env.db, testutil.WithPeriodNo("P-LAST"))

			_, err := env.reconcile.HandlePeriodNotification(context.Background(),
				periodNotification("P-LAST", tt.authDate, tt.nextDate))
			require.NoError(t, err)

			stored := reload(t, env, sub.UserID)
			assert.Equal(t, model.SubscriptionCompleted, stored.SubscriptionStatus)
			assert.Equal(t, model.PaymentPaid, stored.PaymentStatus)
		})
	}
}

func TestReconcileService_HandlePeriodNotification_DifferentDatesStayActive(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db, testutil.WithPeriodNo("P1"))

	_, err := env.reconcile.HandlePeriodNotification(context.Background(),
		periodNotification("P1", "20250101", "20250201"))
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionActive, reload(t, env, sub.UserID).SubscriptionStatus)
}

func TestReconcileService_HandlePeriodNotification_Idempotent(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db, testutil.WithPeriodNo("P1"))
	notif := periodNotification("P1", "20250101120000", "20250201120000")

	_, err := env.reconcile.HandlePeriodNotification(context.Background(), notif)
	require.NoError(t, err)
	first := reload(t, env, sub.UserID)

	_, err = env.reconcile.HandlePeriodNotification(context.Background(), notif)
	require.NoError(t, err)
	second := reload(t, env, sub.UserID)

	assert.Equal(t, first.SubscriptionStatus, second.SubscriptionStatus)
	assert.Equal(t, first.PaymentStatus, second.PaymentStatus)
	assert.True(t, first.LastPaymentDate.Equal(*second.LastPaymentDate))
	assert.True(t, first.NextPaymentDate.Equal(*second.NextPaymentDate))
	assert.JSONEq(t, string(first.PaymentData), string(second.PaymentData))
}

func TestReconcileService_HandlePeriodNotification_IgnoresOlderReplay(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db, testutil.WithPeriodNo("P1"))

	_, err := env.reconcile.HandlePeriodNotification(context.Background(),
		periodNotification("P1", "20250201", "20250201"))
	require.NoError(t, err)
	latest := reload(t, env, sub.UserID)
	require.Equal(t, model.SubscriptionCompleted, latest.SubscriptionStatus)

	got, err := env.reconcile.HandlePeriodNotification(context.Background(),
		periodNotification("P1", "20250101", "20250201"))
	require.NoError(t, err)
	assert.Equal(t, sub.UserID, got.UserID)

	stored := reload(t, env, sub.UserID)
	assert.Equal(t, model.SubscriptionCompleted, stored.SubscriptionStatus)
	assert.Equal(t, model.PaymentPaid, stored.PaymentStatus)
	assert.True(t, stored.LastPaymentDate.Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, taipei)))
	assert.True(t, stored.NextPaymentDate.Equal(*latest.NextPaymentDate))
	assert.Equal(t, "20250201", paymentData(t, stored).GetString("AuthDate"))
}

func TestReconcileService_HandlePeriodNotification_UpdatesFeeAndDefaultsNextDate(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db, testutil.WithPeriodNo("P1"))
	notif := periodNotification("P1", "20250131", "")
	notif.Result.AuthAmt = "699"

	_, err := env.reconcile.HandlePeriodNotification(context.Background(), notif)
	require.NoError(t, err)

	stored := reload(t, env, sub.UserID)
	assert.Equal(t, int64(699), stored.MonthlyFee)
	// 1 月 31 日加一个月截断为 2 月 28 日
	assert.True(t, stored.NextPaymentDate.Equal(time.Date(2025, 2, 28, 0, 0, 0, 0, taipei)))
}

func TestReconcileService_HandlePeriodNotification_Rejections(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db, testutil.WithPeriodNo("P1"))
	testutil.TestSubscription(t, env.db, testutil.WithPeriodNo("P-DEAD"),
		testutil.WithStatus(model.SubscriptionTerminated, model.PaymentTerminated))

	failed := periodNotification("P1", "20250101", "20250201")
	failed.Status = "TRA10035"

	tests := []struct {
		name  string
		notif *newebpay.PeriodResponse
		want  error
	}{
		{"not successful", failed, ErrCallbackRejected},
		{"missing period number", periodNotification("", "20250101", "20250201"), ErrUnmatchedPeriod},
		{"unknown period number", periodNotification("P-UNKNOWN", "20250101", "20250201"), ErrUnmatchedPeriod},
		{"unparseable date", periodNotification("P1", "not-a-date", "20250201"), ErrInvalidCallback},
		{"terminated subscription", periodNotification("P-DEAD", "20250101", "20250201"), ErrNoActiveSubscription},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.reconcile.HandlePeriodNotification(context.Background(), tt.notif)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	stored := reload(t, env, sub.UserID)
	assert.Equal(t, model.PaymentActive, stored.PaymentStatus)
	assert.Equal(t, 0, paymentData(t, stored).Len())
}

func TestReconcileService_HandlePeriodNotification_Busy(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db, testutil.WithPeriodNo("P1"))
	held, err := env.locker.Acquire(context.Background(), "sub:"+sub.UserID, time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	_, err = env.reconcile.HandlePeriodNotification(context.Background(),
		periodNotification("P1", "20250101", "20250201"))
	assert.ErrorIs(t, err, ErrBusy)
}

func periodCreated(orderNo, periodNo string) *newebpay.PeriodResponse {
	return &newebpay.PeriodResponse{
		Status:  "SUCCESS",
		Message: "委託單成立，且首次授權成功",
		Result: newebpay.PeriodResult{
			MerchantOrderNo: newebpay.Value(orderNo),
			PeriodNo:        newebpay.Value(periodNo),
			TradeNo:         "23010112000000001",
			AuthCode:        "111222",
			AuthTime:        "20250101120000",
			PeriodAmt:       "599",
			AuthTimes:       "12",
			DateArray:       "2025-01-01,2025-02-01",
		},
	}
}

func TestReconcileService_BindPeriod(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db, testutil.WithMerchantOrderNo("SUB-BIND"))

	res, err := env.reconcile.BindPeriod(context.Background(), periodCreated("SUB-BIND", "P-NEW"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "P-NEW", res.PeriodNo)

	stored := reload(t, env, sub.UserID)
	assert.Equal(t, "P-NEW", stored.PeriodNoValue())
	assert.True(t, stored.HasPeriodInfo())
	pd := paymentData(t, stored)
	assert.Equal(t, "P-NEW", pd.GetString("PeriodNo"))
	assert.Equal(t, "599", pd.GetString("PeriodAmt"))

	// 相同委托重复回传
	res, err = env.reconcile.BindPeriod(context.Background(), periodCreated("SUB-BIND", "P-NEW"))
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = env.reconcile.BindPeriod(context.Background(), periodCreated("SUB-BIND", "P-OTHER"))
	assert.ErrorIs(t, err, ErrPeriodConflict)
	assert.Equal(t, "P-NEW", reload(t, env, sub.UserID).PeriodNoValue())
}

func TestReconcileService_BindPeriod_Failures(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db, testutil.WithMerchantOrderNo("SUB-BIND"))

	_, err := env.reconcile.BindPeriod(context.Background(), periodCreated("SUB-MISSING", "P1"))
	assert.ErrorIs(t, err, ErrUnmatchedPeriod)

	_, err = env.reconcile.BindPeriod(context.Background(), periodCreated("SUB-BIND", ""))
	assert.ErrorIs(t, err, ErrInvalidCallback)

	rejected := periodCreated("SUB-BIND", "")
	rejected.Status = "MPG03009"
	rejected.Message = "信用卡授權失敗"
	res, err := env.reconcile.BindPeriod(context.Background(), rejected)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "SUB-BIND", res.MerchantOrderNo)

	assert.Nil(t, reload(t, env, sub.UserID).PeriodNo)
}

func TestReconcileService_DecodePeriod(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	env.periods.decodeErr = newebpay.ErrInvalidPayload
	_, err := env.reconcile.DecodePeriod("zz")
	assert.ErrorIs(t, err, ErrInvalidCallback)

	env.periods.decodeErr = nil
	env.periods.decodeResp = periodNotification("P1", "20250101", "20250201")
	resp, err := env.reconcile.DecodePeriod("abcd")
	require.NoError(t, err)
	assert.Equal(t, "P1", resp.Result.PeriodNo.String())
}

func TestReconcileService_Terminate(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db, testutil.WithPeriodNo("P1"))
	env.periods.terminateResp = &newebpay.PeriodResponse{
		Status:  "SUCCESS",
		Message: "該定期定額委託單終止成功",
		Raw:     json.RawMessage(`{"Status":"SUCCESS","Result":{"PeriodNo":"P1","AlterType":"terminate"}}`),
	}

	got, err := env.reconcile.Terminate(context.Background(), sub.UserID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionTerminated, got.SubscriptionStatus)
	assert.Equal(t, model.PaymentTerminated, got.PaymentStatus)
	assert.Equal(t, 1, env.periods.terminateCalls)

	pd := paymentData(t, reload(t, env, sub.UserID))
	assert.NotEmpty(t, pd.GetString("terminated_at"))
	result, ok := pd.Get("terminate_result")
	require.True(t, ok)
	assert.Equal(t, "SUCCESS", result.(map[string]interface{})["Status"])

	_, err = env.reconcile.Terminate(context.Background(), sub.UserID)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, 1, env.periods.terminateCalls)
}

func TestReconcileService_Terminate_WithoutPeriodNeverCallsGateway(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db)

	_, err := env.reconcile.Terminate(context.Background(), sub.UserID)
	assert.ErrorIs(t, err, ErrMissingPeriodInfo)
	assert.Equal(t, 0, env.periods.terminateCalls)
	assert.Equal(t, model.SubscriptionActive, reload(t, env, sub.UserID).SubscriptionStatus)
}

func TestReconcileService_Terminate_GatewayFailures(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db, testutil.WithPeriodNo("P1"))

	env.periods.terminateErr = &newebpay.StatusError{Status: "PER10071", Message: "委託單已終止"}
	_, err := env.reconcile.Terminate(context.Background(), sub.UserID)
	var statusErr *newebpay.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "PER10071", statusErr.Status)

	env.periods.terminateErr = fmt.Errorf("%w: timeout", newebpay.ErrTransport)
	_, err = env.reconcile.Terminate(context.Background(), sub.UserID)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	stored := reload(t, env, sub.UserID)
	assert.Equal(t, model.SubscriptionActive, stored.SubscriptionStatus)
	assert.Equal(t, 0, paymentData(t, stored).Len())

	_, err = env.reconcile.Terminate(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNoActiveSubscription)
}

func TestReconcileService_Backfill(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	authDate := testutil.TestSubscription(t, env.db, testutil.WithoutPaymentDates(),
		testutil.WithPaymentData(`{"AuthDate":"20250315"}`))
	withNext := testutil.TestSubscription(t, env.db, testutil.WithoutPaymentDates(),
		testutil.WithPaymentData(`{"AuthDate":"20250315","NextAuthDate":"20250420"}`))
	millis := testutil.TestSubscription(t, env.db, testutil.WithoutPaymentDates(),
		testutil.WithPaymentData(`{"transaction_time_millis":1736942400000}`))
	priority := testutil.TestSubscription(t, env.db, testutil.WithoutPaymentDates(),
		testutil.WithPaymentData(`{"last_charge_at":"2025-05-01T00:00:00Z","AuthDate":"20250315"}`))
	periodPriority := testutil.TestSubscription(t, env.db, testutil.WithoutPaymentDates(),
		testutil.WithStatus(model.SubscriptionActive, model.PaymentPaid),
		testutil.WithPaymentData(`{"last_charge_at":"2025-05-01T00:00:00Z","AuthDate":"20250315"}`))
	noDate := testutil.TestSubscription(t, env.db,
		testutil.WithPaymentData(`{"rec_trade_id":"D1"}`))
	broken := testutil.TestSubscription(t, env.db,
		testutil.WithPaymentData(`[1,2]`))
	testutil.TestSubscription(t, env.db)

	report, err := env.reconcile.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, report.Total)
	assert.Equal(t, 5, report.Updated)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Failed)

	items := make(map[string]dto.BackfillItem)
	for _, it := range report.Items {
		items[it.UserID] = it
	}
	assert.Equal(t, dto.BackfillSkipped, items[noDate.UserID].Status)
	assert.Equal(t, dto.BackfillFailed, items[broken.UserID].Status)

	got := reload(t, env, authDate.UserID)
	assert.True(t, got.LastPaymentDate.Equal(time.Date(2025, 3, 15, 0, 0, 0, 0, taipei)))
	assert.True(t, got.NextPaymentDate.Equal(time.Date(2025, 4, 15, 0, 0, 0, 0, taipei)))

	got = reload(t, env, withNext.UserID)
	assert.True(t, got.NextPaymentDate.Equal(time.Date(2025, 4, 20, 0, 0, 0, 0, taipei)))

	got = reload(t, env, millis.UserID)
	assert.True(t, got.LastPaymentDate.Equal(time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)))
	assert.True(t, got.NextPaymentDate.Equal(time.Date(2025, 2, 15, 12, 0, 0, 0, time.UTC)))

	// 信用卡扣款中的订阅以最近一次扣款为准
	got = reload(t, env, priority.UserID)
	assert.True(t, got.LastPaymentDate.Equal(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)))

	// 定期定额中的订阅以委托授权日为准
	got = reload(t, env, periodPriority.UserID)
	assert.True(t, got.LastPaymentDate.Equal(time.Date(2025, 3, 15, 0, 0, 0, 0, taipei)))

	// 再次执行不再产生变更
	again, err := env.reconcile.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Updated)
	assert.Equal(t, 6, again.Skipped)
	assert.Equal(t, 1, again.Failed)
}

func TestReconcileService_BackfillNeverMovesPaymentDateBack(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	// fixture 默认上次扣款 2025-01-01T12:00Z，记录里只有更早的授权日
	sub := testutil.TestSubscription(t, env.db,
		testutil.WithStatus(model.SubscriptionActive, model.PaymentPaid),
		testutil.WithPaymentData(`{"AuthDate":"20241001","NextAuthDate":"20241101"}`))

	report, err := env.reconcile.Backfill(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Items, 1)
	assert.Equal(t, dto.BackfillSkipped, report.Items[0].Status)
	assert.Equal(t, "older than stored payment date", report.Items[0].Reason)

	got := reload(t, env, sub.UserID)
	assert.True(t, got.LastPaymentDate.Equal(*sub.LastPaymentDate))
	assert.True(t, got.NextPaymentDate.Equal(*sub.NextPaymentDate))
}

func TestReconcileService_ResubscribeThenBackfillDoesNotRecharge(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	old := testutil.TestSubscription(t, env.db,
		testutil.WithStatus(model.SubscriptionTerminated, model.PaymentTerminated),
		testutil.WithPeriodNo("P-OLD"),
		testutil.WithPaymentData(`{"PeriodNo":"P-OLD","AuthDate":"20241001","NextAuthDate":"20241101"}`))

	_, err := env.subs.Subscribe(context.Background(), old.UserID, subscribeRequest())
	require.NoError(t, err)

	stored := reload(t, env, old.UserID)
	pd := paymentData(t, stored)
	assert.Equal(t, "", pd.GetString("AuthDate"))
	assert.Equal(t, "", pd.GetString("NextAuthDate"))
	_, archived := pd.Get("previous_period")
	assert.True(t, archived)

	report, err := env.reconcile.Backfill(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Items, 1)
	assert.Equal(t, dto.BackfillSkipped, report.Items[0].Status)

	got := reload(t, env, old.UserID)
	assert.True(t, got.LastPaymentDate.Equal(fixedNow))
	assert.True(t, got.NextPaymentDate.Equal(time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)))

	summary, err := env.reconcile.ChargeDue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Subscribers)
	assert.Empty(t, env.cards.tokenCalls)
}

func TestReconcileService_LockNamesShareSubscriptionKey(t *testing.T) {
	env, cleanup := setupBillingEnv(t)
	defer cleanup()

	sub := testutil.TestSubscription(t, env.db, testutil.WithPeriodNo("P1"))

	// 主动扣款、委托通知与终止使用同一把锁
	held, err := env.locker.Acquire(context.Background(), "sub:"+sub.UserID, time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	_, err = env.reconcile.Terminate(context.Background(), sub.UserID)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 0, env.periods.terminateCalls)

	_, err = env.locker.Acquire(context.Background(), "sub:"+sub.UserID, time.Minute)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
}

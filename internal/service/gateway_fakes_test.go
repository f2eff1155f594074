package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/scent_sub_server/config"
	"github.com/qs3c/scent_sub_server/internal/pkg/lock"
	"github.com/qs3c/scent_sub_server/internal/pkg/newebpay"
	"github.com/qs3c/scent_sub_server/internal/pkg/queue"
	"github.com/qs3c/scent_sub_server/internal/pkg/tappay"
	"github.com/qs3c/scent_sub_server/internal/repository"
	"github.com/qs3c/scent_sub_server/internal/testutil"
)

var taipei = config.BillingConfig{Timezone: "Asia/Taipei"}.Location()

// fixedNow 晚于 fixture 默认的下次扣款日 2025-02-01T12:00Z
var fixedNow = time.Date(2025, 2, 1, 13, 0, 0, 0, time.UTC)

type fakeCards struct {
	mu         sync.Mutex
	primeCalls []*tappay.PrimeRequest
	tokenCalls []*tappay.TokenRequest
	primeFn    func(req *tappay.PrimeRequest) (*tappay.ChargeResponse, error)
	tokenFn    func(req *tappay.TokenRequest) (*tappay.ChargeResponse, error)
}

func (f *fakeCards) PayByPrime(_ context.Context, req *tappay.PrimeRequest) (*tappay.ChargeResponse, error) {
	f.mu.Lock()
	f.primeCalls = append(f.primeCalls, req)
	f.mu.Unlock()
	if f.primeFn == nil {
		return approved(req.Amount), nil
	}
	return f.primeFn(req)
}

func (f *fakeCards) PayByToken(_ context.Context, req *tappay.TokenRequest) (*tappay.ChargeResponse, error) {
	f.mu.Lock()
	f.tokenCalls = append(f.tokenCalls, req)
	f.mu.Unlock()
	if f.tokenFn == nil {
		return approved(req.Amount), nil
	}
	return f.tokenFn(req)
}

func approved(amount int64) *tappay.ChargeResponse {
	return &tappay.ChargeResponse{
		Status:                0,
		Msg:                   "Success",
		RecTradeID:            "D20250201ABC",
		BankTransactionID:     "TP20250201ABC",
		AuthCode:              "123456",
		Amount:                amount,
		Currency:              "TWD",
		TransactionTimeMillis: fixedNow.UnixMilli(),
		CardSecret: tappay.CardSecret{
			CardToken: "new_card_token",
			CardKey:   "new_card_key",
		},
	}
}

func declined(status int, msg string) (*tappay.ChargeResponse, error) {
	return &tappay.ChargeResponse{Status: status, Msg: msg}, &tappay.DeclineError{Status: status, Message: msg}
}

type fakePeriods struct {
	terminateCalls int
	terminateResp  *newebpay.PeriodResponse
	terminateErr   error
	decodeResp     *newebpay.PeriodResponse
	decodeErr      error
}

func (f *fakePeriods) DecodePeriod(string) (*newebpay.PeriodResponse, error) {
	return f.decodeResp, f.decodeErr
}

func (f *fakePeriods) Terminate(_ context.Context, _, _ string) (*newebpay.PeriodResponse, error) {
	f.terminateCalls++
	return f.terminateResp, f.terminateErr
}

type fakeNotifier struct {
	msgs []*queue.NotificationMessage
	err  error
}

func (f *fakeNotifier) Push(_ context.Context, msg *queue.NotificationMessage) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

type billingEnv struct {
	db        *gorm.DB
	repo      *repository.SubscriptionRepository
	cards     *fakeCards
	periods   *fakePeriods
	notifier  *fakeNotifier
	locker    *lock.Locker
	reconcile *ReconcileService
	subs      *SubscriptionService
}

func setupBillingEnv(t *testing.T) (*billingEnv, func()) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	env := &billingEnv{
		db:       db,
		repo:     repository.NewSubscriptionRepository(db),
		cards:    &fakeCards{},
		periods:  &fakePeriods{},
		notifier: &fakeNotifier{},
		locker:   lock.NewLocker(rdb, "billing:lock:"),
	}

	cfg := config.BillingConfig{Timezone: "Asia/Taipei", MaxChargeAttempts: 3}
	env.reconcile = NewReconcileService(env.repo, env.cards, env.periods, env.locker, cfg)
	env.reconcile.now = func() time.Time { return fixedNow }
	env.subs = NewSubscriptionService(env.repo, env.cards, env.notifier, env.locker, cfg)
	env.subs.now = func() time.Time { return fixedNow }

	cleanup := func() {
		rdb.Close()
		mr.Close()
		testutil.CleanupTestDB(t, db)
	}
	return env, cleanup
}

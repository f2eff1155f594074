package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/scent_sub_server/config"
	"github.com/qs3c/scent_sub_server/internal/api/middleware"
	"github.com/qs3c/scent_sub_server/internal/pkg/lock"
	"github.com/qs3c/scent_sub_server/internal/pkg/newebpay"
	"github.com/qs3c/scent_sub_server/internal/pkg/queue"
	"github.com/qs3c/scent_sub_server/internal/pkg/response"
	"github.com/qs3c/scent_sub_server/internal/pkg/tappay"
	"github.com/qs3c/scent_sub_server/internal/repository"
	"github.com/qs3c/scent_sub_server/internal/service"
	"github.com/qs3c/scent_sub_server/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubCards struct {
	err error
}

func (s *stubCards) PayByPrime(_ context.Context, req *tappay.PrimeRequest) (*tappay.ChargeResponse, error) {
	return s.respond(req.Amount)
}

func (s *stubCards) PayByToken(_ context.Context, req *tappay.TokenRequest) (*tappay.ChargeResponse, error) {
	return s.respond(req.Amount)
}

func (s *stubCards) respond(amount int64) (*tappay.ChargeResponse, error) {
	if s.err != nil {
		var decline *tappay.DeclineError
		if errors.As(s.err, &decline) {
			return &tappay.ChargeResponse{Status: decline.Status, Msg: decline.Message}, s.err
		}
		return nil, s.err
	}
	return &tappay.ChargeResponse{
		Msg:        "Success",
		RecTradeID: "D20250301XYZ",
		Amount:     amount,
		CardSecret: tappay.CardSecret{CardToken: "tok", CardKey: "key"},
	}, nil
}

type stubPeriods struct {
	decodeResp    *newebpay.PeriodResponse
	decodeErr     error
	terminateResp *newebpay.PeriodResponse
	terminateErr  error
}

func (s *stubPeriods) DecodePeriod(string) (*newebpay.PeriodResponse, error) {
	return s.decodeResp, s.decodeErr
}

func (s *stubPeriods) Terminate(context.Context, string, string) (*newebpay.PeriodResponse, error) {
	return s.terminateResp, s.terminateErr
}

type stubNotifier struct{}

func (stubNotifier) Push(context.Context, *queue.NotificationMessage) error { return nil }

// testContext 本地测试上下文
type testContext struct {
	DB        *gorm.DB
	Locker    *lock.Locker
	Cards     *stubCards
	Periods   *stubPeriods
	Subs      *service.SubscriptionService
	Reconcile *service.ReconcileService
}

func setupTestContext(t *testing.T) (*testContext, func()) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.BillingConfig{Timezone: "Asia/Taipei", MaxChargeAttempts: 3}
	repo := repository.NewSubscriptionRepository(db)
	ctx := &testContext{
		DB:      db,
		Locker:  lock.NewLocker(rdb, "billing:lock:"),
		Cards:   &stubCards{},
		Periods: &stubPeriods{},
	}
	ctx.Subs = service.NewSubscriptionService(repo, ctx.Cards, stubNotifier{}, ctx.Locker, cfg)
	ctx.Reconcile = service.NewReconcileService(repo, ctx.Cards, ctx.Periods, ctx.Locker, cfg)

	cleanup := func() {
		rdb.Close()
		mr.Close()
		testutil.CleanupTestDB(t, db)
	}
	return ctx, cleanup
}

// mockAuth 模拟认证中间件
func mockAuth(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Next()
	}
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	var resp response.Response
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)
	return resp
}

func parseCallback(t *testing.T, w *httptest.ResponseRecorder) response.CallbackResponse {
	var resp response.CallbackResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)
	return resp
}

func dataMap(t *testing.T, data interface{}) map[string]interface{} {
	m, ok := data.(map[string]interface{})
	require.True(t, ok, "data is %T", data)
	return m
}

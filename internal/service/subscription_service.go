package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qs3c/scent_sub_server/config"
	"github.com/qs3c/scent_sub_server/internal/model"
	"github.com/qs3c/scent_sub_server/internal/model/dto"
	"github.com/qs3c/scent_sub_server/internal/pkg/lock"
	"github.com/qs3c/scent_sub_server/internal/pkg/queue"
	"github.com/qs3c/scent_sub_server/internal/pkg/tappay"
	"github.com/qs3c/scent_sub_server/internal/pkg/vendordate"
	"github.com/qs3c/scent_sub_server/internal/repository"
)

var ErrAlreadySubscribed = errors.New("已有进行中的订阅")

// Notifier 异步通知
type Notifier interface {
	Push(ctx context.Context, msg *queue.NotificationMessage) error
}

type SubscriptionService struct {
	subRepo  *repository.SubscriptionRepository
	cards    CardGateway
	notifier Notifier
	locker   *lock.Locker
	loc      *time.Location
	lockTTL  time.Duration
	now      func() time.Time
}

func NewSubscriptionService(
	subRepo *repository.SubscriptionRepository,
	cards CardGateway,
	notifier Notifier,
	locker *lock.Locker,
	cfg config.BillingConfig,
) *SubscriptionService {
	return &SubscriptionService{
		subRepo:  subRepo,
		cards:    cards,
		notifier: notifier,
		locker:   locker,
		loc:      cfg.Location(),
		lockTTL:  cfg.LockTTL(),
		now:      time.Now,
	}
}

// NewMerchantOrderNo 生成订单编号：SUB + 时间戳 + 随机后缀
func NewMerchantOrderNo(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return "SUB" + now.Format("060102150405") + suffix
}

// Subscribe 以 prime 完成首期扣款并建立订阅
func (s *SubscriptionService) Subscribe(ctx context.Context, userID string, req *dto.SubscribeRequest) (*dto.SubscriptionInfo, error) {
	var sub *model.Subscription
	err := s.locker.Do(ctx, "sub:"+userID, s.lockTTL, func() error {
		var err error
		sub, err = s.subscribeLocked(ctx, userID, req)
		return err
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, err
	}

	msg := &queue.NotificationMessage{
		Kind:            queue.KindSubscriptionCreated,
		UserID:          sub.UserID,
		Name:            sub.SubscriberName,
		Email:           sub.SubscriberEmail,
		MonthlyFee:      sub.MonthlyFee,
		MerchantOrderNo: sub.MerchantOrderNo,
	}
	if sub.NextPaymentDate != nil {
		msg.NextPaymentDate = *sub.NextPaymentDate
	}
	if err := s.notifier.Push(ctx, msg); err != nil {
		slog.Warn("failed to enqueue subscription notification", "user_id", userID, "error", err)
	}

	return toSubscriptionInfo(sub), nil
}

func (s *SubscriptionService) subscribeLocked(ctx context.Context, userID string, req *dto.SubscribeRequest) (*model.Subscription, error) {
	existing, err := s.subRepo.FindByUserID(userID)
	switch {
	case err == nil:
		if existing.SubscriptionStatus == model.SubscriptionActive && existing.PaymentStatus != model.PaymentTerminated {
			return nil, ErrAlreadySubscribed
		}
	case !errors.Is(err, repository.ErrSubscriptionNotFound):
		return nil, err
	}

	now := s.now().In(s.loc)
	orderNo := NewMerchantOrderNo(now)

	resp, err := s.cards.PayByPrime(ctx, &tappay.PrimeRequest{
		Prime:       req.Prime,
		Amount:      req.MonthlyFee,
		Details:     chargeDetails,
		OrderNumber: orderNo,
		Cardholder: tappay.Cardholder{
			PhoneNumber: req.Phone,
			Name:        req.Name,
			Email:       req.Email,
		},
		Remember: true,
	})
	if err != nil {
		var decline *tappay.DeclineError
		if errors.As(err, &decline) {
			slog.Warn("first charge declined",
				"source", "billing",
				"user_id", userID,
				"status", decline.Status,
				"message", decline.Message,
			)
			return nil, err
		}
		slog.Error("card gateway unavailable", "source", "billing", "user_id", userID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	last := now
	next := vendordate.AddMonth(now)
	sub, err := s.subRepo.UpsertByUserID(userID, func(row *model.Subscription) error {
		row.MerchantOrderNo = orderNo
		row.PeriodNo = nil
		row.SubscriptionStatus = model.SubscriptionActive
		row.PaymentStatus = model.PaymentActive
		row.MonthlyFee = req.MonthlyFee
		row.FailureCount = 0
		row.LastPaymentDate = &last
		row.NextPaymentDate = &next
		row.CardToken = resp.CardSecret.CardToken
		row.CardKey = resp.CardSecret.CardKey
		row.SubscriberName = req.Name
		row.SubscriberEmail = req.Email
		row.SubscriberPhone = req.Phone
		if err := row.ArchivePeriodAgreement(); err != nil {
			return err
		}
		return row.MergePayment(chargeResult(resp, now))
	})
	if err != nil {
		slog.Error("first charge succeeded but subscription was not saved",
			"source", "billing",
			"user_id", userID,
			"merchant_order_no", orderNo,
			"rec_trade_id", resp.RecTradeID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrReconcileDiscrepancy, err)
	}

	slog.Info("subscription created",
		"source", "billing",
		"user_id", userID,
		"merchant_order_no", orderNo,
		"monthly_fee", req.MonthlyFee,
	)
	return sub, nil
}

// GetStatus 获取当前用户的订阅
func (s *SubscriptionService) GetStatus(userID string) (*dto.SubscriptionInfo, error) {
	sub, err := s.subRepo.FindByUserID(userID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return toSubscriptionInfo(sub), nil
}

func toSubscriptionInfo(sub *model.Subscription) *dto.SubscriptionInfo {
	return &dto.SubscriptionInfo{
		UserID:             sub.UserID,
		MerchantOrderNo:    sub.MerchantOrderNo,
		PeriodNo:           sub.PeriodNoValue(),
		SubscriptionStatus: sub.SubscriptionStatus,
		PaymentStatus:      sub.PaymentStatus,
		MonthlyFee:         sub.MonthlyFee,
		LastPaymentDate:    sub.LastPaymentDate,
		NextPaymentDate:    sub.NextPaymentDate,
		FailureCount:       sub.FailureCount,
		SubscriberName:     sub.SubscriberName,
		SubscriberEmail:    sub.SubscriberEmail,
	}
}

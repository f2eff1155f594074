package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qs3c/scent_sub_server/internal/pkg/email"
	"github.com/qs3c/scent_sub_server/internal/pkg/queue"
)

// Mailer 发送通知邮件，*email.Service 满足该接口
type Mailer interface {
	SendSubscriptionCreated(to string, data email.SubscriptionCreated) error
}

// Processor 通知处理器
type Processor struct {
	mailer Mailer
}

// NewProcessor 创建通知处理器
func NewProcessor(mailer Mailer) *Processor {
	return &Processor{mailer: mailer}
}

// Process 按通知类型发送邮件
func (p *Processor) Process(_ context.Context, msg *queue.NotificationMessage) error {
	switch msg.Kind {
	case queue.KindSubscriptionCreated:
		if msg.Email == "" {
			return fmt.Errorf("notification for user %s has no recipient", msg.UserID)
		}
		err := p.mailer.SendSubscriptionCreated(msg.Email, email.SubscriptionCreated{
			Name:            msg.Name,
			MonthlyFee:      msg.MonthlyFee,
			NextPaymentDate: msg.NextPaymentDate,
			MerchantOrderNo: msg.MerchantOrderNo,
		})
		if err != nil {
			return fmt.Errorf("failed to send subscription email: %w", err)
		}
		slog.Info("subscription email sent", "user_id", msg.UserID, "merchant_order_no", msg.MerchantOrderNo)
		return nil
	default:
		return fmt.Errorf("unknown notification kind %q", msg.Kind)
	}
}

package email

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/qs3c/scent_sub_server/config"
)

// Sender 发送已组装好的邮件，gomail.Dialer 满足该接口
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type Service struct {
	from   string
	sender Sender
	loc    *time.Location
}

func NewService(cfg *config.EmailConfig, loc *time.Location) *Service {
	d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.Username, cfg.Password)
	return NewServiceWithSender(cfg.From, d, loc)
}

func NewServiceWithSender(from string, sender Sender, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{from: from, sender: sender, loc: loc}
}

// SubscriptionCreated 订阅成立通知的内容
type SubscriptionCreated struct {
	Name            string
	MonthlyFee      int64
	NextPaymentDate time.Time
	MerchantOrderNo string
}

var subscriptionCreatedTmpl = template.Must(template.New("subscription_created").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #8b5cf6;">訂閱成立</h2>
        <p>{{.Name}} 您好，</p>
        <p>感謝您訂閱每月香氛禮盒，本期款項已完成扣款。</p>
        <table style="width: 100%; border-collapse: collapse; margin: 20px 0;">
            <tr><td style="padding: 8px; color: #6b7280;">訂單編號</td><td style="padding: 8px;">{{.MerchantOrderNo}}</td></tr>
            <tr><td style="padding: 8px; color: #6b7280;">每月金額</td><td style="padding: 8px;">NT$ {{.MonthlyFee}}</td></tr>
            <tr><td style="padding: 8px; color: #6b7280;">下次扣款日</td><td style="padding: 8px;">{{.NextPaymentDate}}</td></tr>
        </table>
        <p>如需取消訂閱，可隨時於會員中心操作。</p>
        <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 20px 0;">
        <p style="color: #6b7280; font-size: 12px;">此郵件由系統自動發送，請勿回覆。</p>
    </div>
</body>
</html>
`))

// SendSubscriptionCreated 发送订阅成立邮件
func (s *Service) SendSubscriptionCreated(to string, data SubscriptionCreated) error {
	body, err := s.renderSubscriptionCreated(data)
	if err != nil {
		return err
	}
	return s.sendHTML(to, "訂閱成立通知", body)
}

func (s *Service) renderSubscriptionCreated(data SubscriptionCreated) (string, error) {
	var body bytes.Buffer
	err := subscriptionCreatedTmpl.Execute(&body, map[string]interface{}{
		"Name":            data.Name,
		"MonthlyFee":      data.MonthlyFee,
		"MerchantOrderNo": data.MerchantOrderNo,
		"NextPaymentDate": data.NextPaymentDate.In(s.loc).Format("2006-01-02"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render email: %w", err)
	}
	return body.String(), nil
}

// sendHTML 发送 HTML 邮件
func (s *Service) sendHTML(to, subject, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)

	return s.sender.DialAndSend(m)
}

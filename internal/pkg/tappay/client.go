// Package tappay 信用卡 prime / token 扣款客户端
package tappay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/qs3c/scent_sub_server/config"
)

const (
	payByPrimePath = "/tpc/payment/pay-by-prime"
	payByTokenPath = "/tpc/payment/pay-by-token"
)

// ErrTransport 网络或解码失败，与业务拒绝区分
var ErrTransport = errors.New("tappay: transport failure")

// DeclineError 金流商拒绝授权（status != 0）
type DeclineError struct {
	Status  int
	Message string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("tappay declined: status=%d msg=%s", e.Status, e.Message)
}

type Cardholder struct {
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name"`
	Email       string `json:"email"`
}

type PrimeRequest struct {
	Prime       string
	Amount      int64
	Details     string
	OrderNumber string
	Cardholder  Cardholder
	Remember    bool
}

type TokenRequest struct {
	CardToken   string
	CardKey     string
	Amount      int64
	Details     string
	OrderNumber string
}

type CardSecret struct {
	CardToken string `json:"card_token"`
	CardKey   string `json:"card_key"`
}

// ChargeResponse 扣款回应，status 0 表示成功
type ChargeResponse struct {
	Status                int        `json:"status"`
	Msg                   string     `json:"msg"`
	RecTradeID            string     `json:"rec_trade_id"`
	BankTransactionID     string     `json:"bank_transaction_id"`
	AuthCode              string     `json:"auth_code"`
	Amount                int64      `json:"amount"`
	Currency              string     `json:"currency"`
	OrderNumber           string     `json:"order_number"`
	TransactionTimeMillis int64      `json:"transaction_time_millis"`
	CardSecret            CardSecret `json:"card_secret"`
}

func (r *ChargeResponse) Success() bool {
	return r.Status == 0
}

type Client struct {
	baseURL    string
	partnerKey string
	merchantID string
	currency   string
	httpClient *http.Client
}

func NewClient(cfg *config.TapPayConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "TWD"
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		partnerKey: cfg.PartnerKey,
		merchantID: cfg.MerchantID,
		currency:   currency,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PayByPrime 首次扣款，remember=true 时回应带 card_secret
func (c *Client) PayByPrime(ctx context.Context, req *PrimeRequest) (*ChargeResponse, error) {
	body := map[string]interface{}{
		"prime":        req.Prime,
		"partner_key":  c.partnerKey,
		"merchant_id":  c.merchantID,
		"amount":       req.Amount,
		"currency":     c.currency,
		"details":      req.Details,
		"order_number": req.OrderNumber,
		"cardholder":   req.Cardholder,
		"remember":     req.Remember,
	}
	return c.post(ctx, payByPrimePath, body)
}

// PayByToken 使用已保存的 card_token / card_key 定期扣款
func (c *Client) PayByToken(ctx context.Context, req *TokenRequest) (*ChargeResponse, error) {
	body := map[string]interface{}{
		"card_token":   req.CardToken,
		"card_key":     req.CardKey,
		"partner_key":  c.partnerKey,
		"merchant_id":  c.merchantID,
		"amount":       req.Amount,
		"currency":     c.currency,
		"details":      req.Details,
		"order_number": req.OrderNumber,
	}
	return c.post(ctx, payByTokenPath, body)
}

// post 发送请求；不做重试，重复请求可能造成重复扣款
func (c *Client) post(ctx context.Context, path string, payload interface{}) (*ChargeResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.partnerKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %v", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected HTTP status %d: %s", ErrTransport, resp.StatusCode, string(respBody))
	}

	var result ChargeResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrTransport, err)
	}

	if !result.Success() {
		return &result, &DeclineError{Status: result.Status, Message: result.Msg}
	}
	return &result, nil
}

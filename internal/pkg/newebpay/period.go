// Package newebpay 定期定额委托：回传解密与终止委托
package newebpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/qs3c/scent_sub_server/config"
)

const (
	alterStatusPath = "/MPG/period/AlterStatus"
	statusSuccess   = "SUCCESS"
)

// ErrTransport 网络或解码失败，与业务失败区分
var ErrTransport = errors.New("newebpay: transport failure")

// StatusError 金流商回应的 Status 不是 SUCCESS
type StatusError struct {
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("newebpay status %s: %s", e.Status, e.Message)
}

// Value 金流商字段可能是数字或字符串，统一保存为字符串
type Value string

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Value(s)
		return nil
	}
	*v = Value(data)
	return nil
}

func (v Value) String() string {
	return string(v)
}

// Int64 解析金额类字段，失败返回 0
func (v Value) Int64() int64 {
	s := strings.TrimSpace(string(v))
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

// PeriodResult 委托建立与每期授权共用的结果字段
type PeriodResult struct {
	MerchantID      Value `json:"MerchantID"`
	MerchantOrderNo Value `json:"MerchantOrderNo"`
	OrderNo         Value `json:"OrderNo"`
	TradeNo         Value `json:"TradeNo"`
	PeriodNo        Value `json:"PeriodNo"`
	AuthCode        Value `json:"AuthCode"`
	AuthDate        Value `json:"AuthDate"`
	NextAuthDate    Value `json:"NextAuthDate"`
	AuthTime        Value `json:"AuthTime"`
	AuthAmt         Value `json:"AuthAmt"`
	PeriodAmt       Value `json:"PeriodAmt"`
	AlreadyTimes    Value `json:"AlreadyTimes"`
	TotalTimes      Value `json:"TotalTimes"`
	AuthTimes       Value `json:"AuthTimes"`
	DateArray       Value `json:"DateArray"`
	RespondCode     Value `json:"RespondCode"`
	AlterType       Value `json:"AlterType"`
}

// PeriodResponse 解密后的 Period 内容
type PeriodResponse struct {
	Status  string       `json:"Status"`
	Message string       `json:"Message"`
	Result  PeriodResult `json:"Result"`

	// Raw 解密后的原始 JSON
	Raw json.RawMessage `json:"-"`
}

func (r *PeriodResponse) Success() bool {
	return strings.EqualFold(r.Status, statusSuccess)
}

// RawMap 原始 JSON 转为 map，供写入 payment_data
func (r *PeriodResponse) RawMap() map[string]interface{} {
	var m map[string]interface{}
	if len(r.Raw) == 0 || json.Unmarshal(r.Raw, &m) != nil {
		return nil
	}
	return m
}

type Client struct {
	baseURL    string
	merchantID string
	hashKey    string
	hashIV     string
	httpClient *http.Client
	now        func() time.Time
}

func NewClient(cfg *config.NewebPayConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		merchantID: cfg.MerchantID,
		hashKey:    cfg.HashKey,
		hashIV:     cfg.HashIV,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// DecodePeriod 解密回传表单中的 Period 字段
// 只做解码，Status 是否成功由调用方判断
func (c *Client) DecodePeriod(encrypted string) (*PeriodResponse, error) {
	plain, err := Decrypt(encrypted, c.hashKey, c.hashIV)
	if err != nil {
		return nil, err
	}

	var resp PeriodResponse
	if err := json.Unmarshal([]byte(plain), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	resp.Raw = json.RawMessage(plain)
	return &resp, nil
}

// Terminate 终止定期定额委托
func (c *Client) Terminate(ctx context.Context, merchantOrderNo, periodNo string) (*PeriodResponse, error) {
	params := url.Values{}
	params.Set("RespondType", "JSON")
	params.Set("Version", "1.0")
	params.Set("TimeStamp", strconv.FormatInt(c.now().Unix(), 10))
	params.Set("MerOrderNo", merchantOrderNo)
	params.Set("PeriodNo", periodNo)
	params.Set("AlterType", "terminate")

	postData, err := Encrypt(params.Encode(), c.hashKey, c.hashIV)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("MerchantID_", c.merchantID)
	form.Set("PostData_", postData)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+alterStatusPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %v", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected HTTP status %d", ErrTransport, resp.StatusCode)
	}

	var envelope struct {
		Period string `json:"period"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Period == "" {
		return nil, fmt.Errorf("%w: unexpected response body: %s", ErrTransport, string(body))
	}

	result, err := c.DecodePeriod(envelope.Period)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if !result.Success() {
		return result, &StatusError{Status: result.Status, Message: result.Message}
	}
	return result, nil
}

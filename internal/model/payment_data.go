package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Field payment_data 中的一个键值
type Field struct {
	Key   string
	Value any
}

// PaymentEntry 可以合并进 payment_data 的金流回应
// 已知的形状：ChargeResult、ChargeFailure、PeriodAuth、PeriodCreated、Termination
type PaymentEntry interface {
	Fields() []Field
	paymentEntry()
}

// PaymentData 按插入顺序保存的金流回应累积记录
// 合并只新增或覆盖字段，从不整体替换
type PaymentData struct {
	keys   []string
	values map[string]any
}

func NewPaymentData() *PaymentData {
	return &PaymentData{values: make(map[string]any)}
}

// ParsePaymentData 从数据库 JSON 列解析
func ParsePaymentData(raw []byte) (*PaymentData, error) {
	pd := NewPaymentData()
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return pd, nil
	}
	if err := pd.UnmarshalJSON(trimmed); err != nil {
		return nil, err
	}
	return pd, nil
}

// Set 写入字段；已存在的键保持原位置
func (p *PaymentData) Set(key string, value any) {
	if p.values == nil {
		p.values = make(map[string]any)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Merge 合并一条金流回应，零值字段跳过
func (p *PaymentData) Merge(e PaymentEntry) {
	for _, f := range e.Fields() {
		if isZero(f.Value) {
			continue
		}
		p.Set(f.Key, f.Value)
	}
}

// Delete 删除字段，其余键保持原顺序
func (p *PaymentData) Delete(keys ...string) {
	for _, key := range keys {
		if _, ok := p.values[key]; !ok {
			continue
		}
		delete(p.values, key)
		for i, k := range p.keys {
			if k == key {
				p.keys = append(p.keys[:i], p.keys[i+1:]...)
				break
			}
		}
	}
}

// periodAgreementKeys 一份定期定额委托写入的字段
var periodAgreementKeys = []string{
	"PeriodNo", "AuthDate", "NextAuthDate", "AuthTime",
	"AlreadyTimes", "TotalTimes", "AuthTimes", "DateArray", "PeriodAmt",
}

// ArchivePeriodAgreement 将上一份委托的字段移到 previous_period 下
// 之后的日期回填不会再读到旧委托的授权日
func (p *PaymentData) ArchivePeriodAgreement() {
	archived := NewPaymentData()
	for _, k := range periodAgreementKeys {
		if v, ok := p.values[k]; ok {
			archived.Set(k, v)
		}
	}
	if archived.Len() == 0 {
		return
	}
	p.Delete(periodAgreementKeys...)
	p.Set("previous_period", archived)
}

func (p *PaymentData) Get(key string) (any, bool) {
	v, ok := p.values[key]
	return v, ok
}

// GetString 以字符串形式读取字段，不存在时返回空串
func (p *PaymentData) GetString(key string) string {
	v, ok := p.values[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprint(val)
	}
}

func (p *PaymentData) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

func (p *PaymentData) Len() int {
	return len(p.keys)
}

func (p *PaymentData) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(p.values[k])
		if err != nil {
			return nil, fmt.Errorf("payment_data field %s: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *PaymentData) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("payment_data must be a JSON object")
	}

	p.keys = nil
	p.values = make(map[string]any)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("payment_data: unexpected key token %v", keyTok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return err
		}
		p.Set(key, v)
	}
	_, err = dec.Token()
	return err
}

func isZero(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case int:
		return val == 0
	case int64:
		return val == 0
	case time.Time:
		return val.IsZero()
	}
	return false
}

// ChargeResult 信用卡授权成功（prime 或 token 扣款）
type ChargeResult struct {
	RecTradeID        string
	BankTransactionID string
	AuthCode          string
	Amount            int64
	Currency          string
	TransactionTime   int64 // 毫秒
	ChargedAt         time.Time
}

func (ChargeResult) paymentEntry() {}

func (c ChargeResult) Fields() []Field {
	return []Field{
		{"rec_trade_id", c.RecTradeID},
		{"bank_transaction_id", c.BankTransactionID},
		{"auth_code", c.AuthCode},
		{"amount", c.Amount},
		{"currency", c.Currency},
		{"transaction_time_millis", c.TransactionTime},
		{"last_charge_at", formatTime(c.ChargedAt)},
		{"last_charge_status", "success"},
	}
}

// ChargeFailure 信用卡授权被拒
type ChargeFailure struct {
	Status   int
	Message  string
	FailedAt time.Time
}

func (ChargeFailure) paymentEntry() {}

func (c ChargeFailure) Fields() []Field {
	return []Field{
		{"error_status", strconv.Itoa(c.Status)},
		{"error_message", c.Message},
		{"failed_at", formatTime(c.FailedAt)},
		{"last_charge_status", "failed"},
	}
}

// PeriodAuth 定期定额每期授权结果通知
type PeriodAuth struct {
	MerchantOrderNo string
	OrderNo         string
	TradeNo         string
	AuthCode        string
	AuthDate        string
	NextAuthDate    string
	AuthAmt         int64
	AlreadyTimes    string
	TotalTimes      string
	RespondCode     string
}

func (PeriodAuth) paymentEntry() {}

func (a PeriodAuth) Fields() []Field {
	return []Field{
		{"MerchantOrderNo", a.MerchantOrderNo},
		{"OrderNo", a.OrderNo},
		{"TradeNo", a.TradeNo},
		{"AuthCode", a.AuthCode},
		{"AuthDate", a.AuthDate},
		{"NextAuthDate", a.NextAuthDate},
		{"AuthAmt", a.AuthAmt},
		{"AlreadyTimes", a.AlreadyTimes},
		{"TotalTimes", a.TotalTimes},
		{"RespondCode", a.RespondCode},
	}
}

// PeriodCreated 定期定额委托建立结果
type PeriodCreated struct {
	MerchantOrderNo string
	PeriodNo        string
	TradeNo         string
	AuthCode        string
	AuthTime        string
	PeriodAmt       int64
	AuthTimes       string
	DateArray       string
}

func (PeriodCreated) paymentEntry() {}

func (c PeriodCreated) Fields() []Field {
	return []Field{
		{"MerchantOrderNo", c.MerchantOrderNo},
		{"PeriodNo", c.PeriodNo},
		{"TradeNo", c.TradeNo},
		{"AuthCode", c.AuthCode},
		{"AuthTime", c.AuthTime},
		{"PeriodAmt", c.PeriodAmt},
		{"AuthTimes", c.AuthTimes},
		{"DateArray", c.DateArray},
	}
}

// Termination 委托终止结果
type Termination struct {
	TerminatedAt time.Time
	Result       map[string]any
}

func (Termination) paymentEntry() {}

func (t Termination) Fields() []Field {
	fields := []Field{{"terminated_at", formatTime(t.TerminatedAt)}}
	if len(t.Result) > 0 {
		fields = append(fields, Field{"terminate_result", t.Result})
	}
	return fields
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

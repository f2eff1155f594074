package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentData_KeepsInsertionOrder(t *testing.T) {
	pd := NewPaymentData()
	pd.Set("zeta", "1")
	pd.Set("alpha", "2")
	pd.Set("mid", "3")
	pd.Set("zeta", "4") // overwrite keeps position

	raw, err := json.Marshal(pd)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"4","alpha":"2","mid":"3"}`, string(raw))
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, pd.Keys())
}

func TestPaymentData_RoundTripPreservesOrder(t *testing.T) {
	src := `{"b":1,"a":"x","c":{"n":true}}`

	pd, err := ParsePaymentData([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, pd.Keys())
	assert.Equal(t, "1", pd.GetString("b"))

	raw, err := pd.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, src, string(raw))
	assert.Equal(t, `{"b":1,"a":"x","c":{"n":true}}`, string(raw))
}

func TestParsePaymentData_Empty(t *testing.T) {
	for _, in := range []string{"", "null", "  "} {
		pd, err := ParsePaymentData([]byte(in))
		require.NoError(t, err)
		assert.Equal(t, 0, pd.Len())
	}
}

func TestParsePaymentData_NotAnObject(t *testing.T) {
	_, err := ParsePaymentData([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestPaymentData_MergeNeverDropsHistory(t *testing.T) {
	pd := NewPaymentData()
	pd.Merge(ChargeFailure{Status: 10003, Message: "insufficient funds", FailedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)})
	pd.Merge(ChargeResult{RecTradeID: "D2025", Amount: 599, Currency: "TWD"})

	assert.Equal(t, "insufficient funds", pd.GetString("error_message"))
	assert.Equal(t, "D2025", pd.GetString("rec_trade_id"))
	assert.Equal(t, "599", pd.GetString("amount"))
	assert.Equal(t, "success", pd.GetString("last_charge_status"))
}

func TestPaymentData_MergeSkipsZeroValues(t *testing.T) {
	pd := NewPaymentData()
	pd.Merge(PeriodAuth{AuthCode: "A1", TradeNo: "T1", AuthAmt: 599})
	pd.Merge(PeriodAuth{AuthCode: "A2"})

	assert.Equal(t, "A2", pd.GetString("AuthCode"))
	assert.Equal(t, "T1", pd.GetString("TradeNo"))
	_, ok := pd.Get("NextAuthDate")
	assert.False(t, ok)
}

func TestSubscription_MergePayment(t *testing.T) {
	sub := &Subscription{PaymentData: []byte(`{"legacy":"keep"}`)}

	err := sub.MergePayment(Termination{
		TerminatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Result:       map[string]any{"Status": "SUCCESS"},
	})
	require.NoError(t, err)

	pd, err := sub.Payment()
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy", "terminated_at", "terminate_result"}, pd.Keys())
	assert.Equal(t, "keep", pd.GetString("legacy"))
	assert.Equal(t, "2025-06-01T00:00:00Z", pd.GetString("terminated_at"))
}

func TestSubscription_HasPeriodInfo(t *testing.T) {
	period := "P100"
	empty := ""

	assert.False(t, (&Subscription{}).HasPeriodInfo())
	assert.False(t, (&Subscription{PeriodNo: &period}).HasPeriodInfo())
	assert.False(t, (&Subscription{PeriodNo: &empty, MerchantOrderNo: "M1"}).HasPeriodInfo())
	assert.True(t, (&Subscription{PeriodNo: &period, MerchantOrderNo: "M1"}).HasPeriodInfo())
	assert.Equal(t, "P100", (&Subscription{PeriodNo: &period}).PeriodNoValue())
	assert.Equal(t, "", (&Subscription{}).PeriodNoValue())
}

func TestPaymentData_Delete(t *testing.T) {
	pd := NewPaymentData()
	pd.Set("a", "1")
	pd.Set("b", "2")
	pd.Set("c", "3")

	pd.Delete("b", "missing")

	assert.Equal(t, []string{"a", "c"}, pd.Keys())
	_, ok := pd.Get("b")
	assert.False(t, ok)
}

func TestSubscription_ArchivePeriodAgreement(t *testing.T) {
	sub := &Subscription{PaymentData: []byte(
		`{"rec_trade_id":"R1","PeriodNo":"P1","AuthDate":"20241001","NextAuthDate":"20241101","AuthTime":"20240901120000","AlreadyTimes":"2"}`,
	)}

	require.NoError(t, sub.ArchivePeriodAgreement())

	pd, err := sub.Payment()
	require.NoError(t, err)
	assert.Equal(t, []string{"rec_trade_id", "previous_period"}, pd.Keys())
	assert.Equal(t, "", pd.GetString("AuthDate"))
	assert.Equal(t, "", pd.GetString("NextAuthDate"))

	prev, ok := pd.Get("previous_period")
	require.True(t, ok)
	archived := prev.(map[string]any)
	assert.Equal(t, "20241001", archived["AuthDate"])
	assert.Equal(t, "P1", archived["PeriodNo"])
	assert.Equal(t, "2", archived["AlreadyTimes"])
}

func TestSubscription_ArchivePeriodAgreementNoop(t *testing.T) {
	sub := &Subscription{PaymentData: []byte(`{"rec_trade_id":"R1"}`)}

	require.NoError(t, sub.ArchivePeriodAgreement())

	pd, err := sub.Payment()
	require.NoError(t, err)
	assert.Equal(t, []string{"rec_trade_id"}, pd.Keys())
}

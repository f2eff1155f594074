// Package vendordate 解析金流商回传的各种日期格式。
//
// 金流商在不同接口、不同时期回传的日期并不统一：8 位 yyyyMMdd、14 位
// yyyyMMddHHmmss，以及各种带分隔符的日期字符串。这里统一转换成 time.Time，
// 无法识别时返回 ok=false，调用方据此跳过该记录。
package vendordate

import (
	"regexp"
	"strings"
	"time"
)

var (
	eightDigits    = regexp.MustCompile(`^\d{8}$`)
	fourteenDigits = regexp.MustCompile(`^\d{14}$`)
)

// 兜底解析时依次尝试的格式
var genericLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006/01/02",
	time.RFC1123Z,
	time.RFC1123,
}

// Parse 将金流商日期字符串解析为 loc 时区下的时间
// 顺序：8 位数字 → 14 位数字 → 通用格式；全部失败返回 ok=false
func Parse(s string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if eightDigits.MatchString(s) {
		iso := s[0:4] + "-" + s[4:6] + "-" + s[6:8]
		t, err := time.ParseInLocation("2006-01-02", iso, loc)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}

	if fourteenDigits.MatchString(s) {
		iso := s[0:4] + "-" + s[4:6] + "-" + s[6:8] + "T" + s[8:10] + ":" + s[10:12] + ":" + s[12:14]
		t, err := time.ParseInLocation("2006-01-02T15:04:05", iso, loc)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}

	for _, layout := range genericLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FirstValid 按给定优先级返回第一个能解析的日期
func FirstValid(loc *time.Location, candidates ...string) (time.Time, bool) {
	for _, c := range candidates {
		if t, ok := Parse(c, loc); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// SameInstant 按数值比较两个金流商日期，任一无法解析时视为不相等
func SameInstant(a, b string, loc *time.Location) bool {
	ta, okA := Parse(a, loc)
	tb, okB := Parse(b, loc)
	if !okA || !okB {
		return false
	}
	return ta.Equal(tb)
}

// AddMonth 加一个自然月，日期超出目标月天数时取目标月最后一天
func AddMonth(t time.Time) time.Time {
	return AddMonths(t, 1)
}

// AddMonths 加 n 个自然月（月末截断）
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	firstOfTarget := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

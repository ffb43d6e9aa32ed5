package sqlstore

import (
	"fmt"
	"time"
)

// timeLayout はoccurred_at列の保存形式。固定長のため文字列比較で時系列順になる。
const timeLayout = "2006-01-02 15:04:05"

// parseLayouts はoccurred_at列の読み取りで受け付ける形式。
var parseLayouts = []string{
	timeLayout,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
}

// formatTime は日時を秒精度のUTCでoccurred_at列の形式に変換する。
func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(timeLayout)
}

// timestamp はドライバごとに異なるoccurred_at列の値を読み取るsql.Scanner。
// lib/pqはtime.Timeを、modernc.org/sqliteは宣言型に応じてtime.Timeか文字列を返す。
type timestamp struct {
	time time.Time
}

// Scan はsql.Scannerを実装する。
func (ts *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		ts.time = v.UTC()
		return nil
	case string:
		return ts.parse(v)
	case []byte:
		return ts.parse(string(v))
	case int64:
		ts.time = time.Unix(v, 0).UTC()
		return nil
	default:
		return fmt.Errorf("occurred_atの型が不正です: %T", src)
	}
}

// parse は文字列の日時を解釈する。タイムゾーンを持たない値はUTCとみなす。
func (ts *timestamp) parse(s string) error {
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			ts.time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("occurred_atの形式が不正です: %q", s)
}

package model

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Date はタイムゾーンを持たない暦日を表します
// 比較可能なのでmapのキーとして利用できます
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf は時刻が属する暦日を返します(時刻自身のロケーションで解釈)
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate は "2006-01-02" 形式の文字列を解析します
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// In は指定ロケーションにおけるその日の0時を返します
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) Weekday() time.Weekday {
	return d.In(time.UTC).Weekday()
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.In(time.UTC).AddDate(0, 0, n))
}

func (d Date) Before(o Date) bool {
	return d.In(time.UTC).Before(o.In(time.UTC))
}

func (d Date) After(o Date) bool {
	return o.Before(d)
}

func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) String() string {
	return d.In(time.UTC).Format(dateLayout)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Scan はPostgreSQLのdate型を読み込みます
func (d *Date) Scan(src interface{}) error {
	switch v := src.(type) {
	case time.Time:
		*d = DateOf(v)
		return nil
	case []byte:
		return d.UnmarshalText(v)
	case string:
		return d.UnmarshalText([]byte(v))
	case nil:
		*d = Date{}
		return nil
	default:
		return fmt.Errorf("unexpected type for date: %T", src)
	}
}

func (d Date) Value() (driver.Value, error) {
	return d.String(), nil
}

// TimeOfDay は0時からの経過分で時刻を表します
type TimeOfDay int

// ParseTimeOfDay は "15:04" または "15:04:05" 形式の文字列を解析します
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay(h*60 + m), nil
}

// MustTimeOfDay はParseTimeOfDayの失敗時にpanicします。定数定義とテスト用です
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) Duration() time.Duration {
	return time.Duration(t) * time.Minute
}

// On は暦日とロケーションを与えて絶対時刻に変換します
func (t TimeOfDay) On(d Date, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, int(t)/60, int(t)%60, 0, 0, loc)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Scan はPostgreSQLのtime型を読み込みます
func (t *TimeOfDay) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return t.UnmarshalText(v)
	case string:
		return t.UnmarshalText([]byte(v))
	case time.Time:
		*t = TimeOfDay(v.Hour()*60 + v.Minute())
		return nil
	default:
		return fmt.Errorf("unexpected type for time of day: %T", src)
	}
}

func (t TimeOfDay) Value() (driver.Value, error) {
	return t.String() + ":00", nil
}

// Weekdays は曜日の集合をビットフラグで表します(bit0=日曜)
type Weekdays uint8

// AllWeekdays は全曜日を含む集合です
const AllWeekdays Weekdays = 1<<7 - 1

func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

func (w Weekdays) Contains(d time.Weekday) bool {
	return w&(1<<uint(d)) != 0
}

func (w Weekdays) Days() []time.Weekday {
	days := make([]time.Weekday, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if w.Contains(d) {
			days = append(days, d)
		}
	}
	return days
}

func (w Weekdays) String() string {
	names := make([]string, 0, 7)
	for _, d := range w.Days() {
		names = append(names, d.String()[:3])
	}
	return strings.Join(names, ",")
}

// Scan はsmallintで保存されたビットフラグを読み込みます
func (w *Weekdays) Scan(src interface{}) error {
	switch v := src.(type) {
	case int64:
		*w = Weekdays(v) & AllWeekdays
		return nil
	case []byte:
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return fmt.Errorf("invalid weekdays value %q: %w", v, err)
		}
		*w = Weekdays(n) & AllWeekdays
		return nil
	default:
		return fmt.Errorf("unexpected type for weekdays: %T", src)
	}
}

func (w Weekdays) Value() (driver.Value, error) {
	return int64(w), nil
}

// OccurrenceKey は特定日の時間枠(スロットオカレンス)を識別します
type OccurrenceKey struct {
	SlotID string
	Date   Date
}

func (k OccurrenceKey) String() string {
	return k.SlotID + "@" + k.Date.String()
}

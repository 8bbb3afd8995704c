package escalation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/uma-arai/sbcntr-visitor/internal/model"
)

// 評価に使える指標
const (
	MetricOccupancy         = "occupancy"
	MetricRemaining         = "remaining"
	MetricBooked            = "booked"
	MetricNoShowCount       = "no_show_count"
	MetricVisitorCount      = "visitor_count"
	MetricCancelLeadMinutes = "cancel_lead_minutes"
	MetricMinutesPastStart  = "minutes_past_start"
	MetricMinutesPastEnd    = "minutes_past_end"
)

var knownMetrics = map[string]bool{
	MetricOccupancy:         true,
	MetricRemaining:         true,
	MetricBooked:            true,
	MetricNoShowCount:       true,
	MetricVisitorCount:      true,
	MetricCancelLeadMinutes: true,
	MetricMinutesPastStart:  true,
	MetricMinutesPastEnd:    true,
}

// 2文字の演算子を先に探す
var operators = []struct {
	token string
	op    string
}{
	{">=", ">="}, {"<=", "<="}, {"==", "=="}, {"!=", "!="},
	{"≥", ">="}, {"≤", "<="}, {"≠", "!="},
	{">", ">"}, {"<", "<"},
}

// Expression は "<metric> <op> <number>[%]" 形式の閾値条件です
type Expression struct {
	Metric    string
	Op        string
	Threshold float64
	Percent   bool
}

// ParseExpression は閾値条件を解析します
func ParseExpression(s string) (Expression, error) {
	src := strings.TrimSpace(s)
	for _, o := range operators {
		idx := strings.Index(src, o.token)
		if idx < 0 {
			continue
		}

		metric := strings.ToLower(strings.TrimSpace(src[:idx]))
		if !knownMetrics[metric] {
			return Expression{}, fmt.Errorf("%w: unknown metric %q in %q", model.ErrInvalidArgument, metric, s)
		}

		raw := strings.TrimSpace(src[idx+len(o.token):])
		percent := strings.HasSuffix(raw, "%")
		raw = strings.TrimSpace(strings.TrimSuffix(raw, "%"))
		threshold, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Expression{}, fmt.Errorf("%w: invalid threshold in %q", model.ErrInvalidArgument, s)
		}
		if percent && metric != MetricOccupancy {
			return Expression{}, fmt.Errorf("%w: %% is only valid for %s", model.ErrInvalidArgument, MetricOccupancy)
		}

		return Expression{Metric: metric, Op: o.op, Threshold: threshold, Percent: percent}, nil
	}
	return Expression{}, fmt.Errorf("%w: no comparison operator in %q", model.ErrInvalidArgument, s)
}

// Matches は値が条件を満たすかを返します
func (e Expression) Matches(v float64) bool {
	switch e.Op {
	case ">=":
		return v >= e.Threshold
	case ">":
		return v > e.Threshold
	case "<=":
		return v <= e.Threshold
	case "<":
		return v < e.Threshold
	case "==":
		return v == e.Threshold
	case "!=":
		return v != e.Threshold
	}
	return false
}

func (e Expression) String() string {
	threshold := strconv.FormatFloat(e.Threshold, 'f', -1, 64)
	if e.Percent {
		threshold += "%"
	}
	return e.Metric + " " + e.Op + " " + threshold
}

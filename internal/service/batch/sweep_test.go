package batch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-visitor/internal/common/config"
	"github.com/uma-arai/sbcntr-visitor/internal/ledger"
	"github.com/uma-arai/sbcntr-visitor/internal/escalation"
	"github.com/uma-arai/sbcntr-visitor/internal/model"
	"github.com/uma-arai/sbcntr-visitor/internal/notify"
	"github.com/uma-arai/sbcntr-visitor/internal/repository"
	"github.com/uma-arai/sbcntr-visitor/internal/repository/memory"
	"github.com/uma-arai/sbcntr-visitor/internal/service"
)

var tokyo = time.FixedZone("JST", 9*60*60)

// 2026-10-19(月)
var monday = model.Date{Year: 2026, Month: time.October, Day: 19}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// MockTaskClient はテスト用のStep Functionsクライアントです
type MockTaskClient struct {
	inputs []*sfn.SendTaskSuccessInput
	err    error
}

func (m *MockTaskClient) SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error) {
	m.inputs = append(m.inputs, params)
	return &sfn.SendTaskSuccessOutput{}, m.err
}

func testConfig(env string, autoNoShow bool) *config.Config {
	return &config.Config{
		Env: env,
		Booking: config.BookingConfig{
			TimeZone:     "Asia/Tokyo",
			LockTimeout:  time.Second,
			MaxRangeDays: 31,
		},
		Escalation: config.EscalationConfig{
			DefaultAlertTTL: time.Hour,
			AutoNoShow:      autoNoShow,
			NoShowGrace:     30 * time.Minute,
		},
	}
}

func missedCheckInRule() model.EscalationRule {
	return model.EscalationRule{
		ID:                  "rule-missed-check-in",
		Name:                "Missed check-in",
		AlertType:           model.AlertTypeMissedCheckIn,
		Priority:            model.AlertPriorityHigh,
		IsEnabled:           true,
		ThresholdExpression: "minutes_past_start >= 15",
		ExpiresAfterMinutes: 60,
	}
}

func slot(id, start, end string) model.TimeSlotDefinition {
	return model.TimeSlotDefinition{
		ID:          id,
		Name:        "Tour " + id,
		StartTime:   model.MustTimeOfDay(start),
		EndTime:     model.MustTimeOfDay(end),
		MaxVisitors: 10,
		ActiveDays:  model.NewWeekdays(time.Monday),
		IsActive:    true,
	}
}

type sweepFixture struct {
	components *service.Components
	store      *memory.Store
	clock      *testClock
}

// newSweepFixture は09:00時点で予約を作成した部品を返します
func newSweepFixture(t *testing.T, cfg *config.Config, slots ...model.TimeSlotDefinition) *sweepFixture {
	t.Helper()

	store := memory.NewStore()
	store.SetRules(missedCheckInRule())
	clock := &testClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, tokyo)}

	repos := service.Repositories{TimeSlots: store, Bookings: store, Rules: store, Alerts: store}
	components, err := service.NewComponents(cfg, repos, nil, clock.Now)
	if err != nil {
		t.Fatalf("failed to build components: %v", err)
	}
	for _, def := range slots {
		if err := components.Catalog.Save(context.Background(), def); err != nil {
			t.Fatalf("failed to save slot: %v", err)
		}
	}
	return &sweepFixture{components: components, store: store, clock: clock}
}

func (f *sweepFixture) book(t *testing.T, slotID string) model.Booking {
	t.Helper()
	b, err := f.components.Ledger.Book(context.Background(), ledger.BookRequest{
		SlotID:       slotID,
		Date:         monday,
		VisitorCount: 2,
		RequesterID:  "staff-1",
	})
	if err != nil {
		t.Fatalf("failed to book: %v", err)
	}
	return b
}

func TestEscalationSweepService_Sweep(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestEscalationSweepService_Sweep")
	defer seg.Close(nil)

	tests := []struct {
		name        string
		autoNoShow  bool
		sweepAt     time.Time
		wantChecked int
		wantAlerts  int
		wantNoShows int
	}{
		{
			name:        "開始前の時間枠は対象外",
			sweepAt:     time.Date(2026, 10, 19, 9, 30, 0, 0, tokyo),
			wantChecked: 0,
		},
		{
			name:        "開始15分未満ではアラートを作らない",
			sweepAt:     time.Date(2026, 10, 19, 10, 10, 0, 0, tokyo),
			wantChecked: 1,
		},
		{
			name:        "開始15分を過ぎた未チェックインはアラートになる",
			sweepAt:     time.Date(2026, 10, 19, 10, 20, 0, 0, tokyo),
			wantChecked: 1,
			wantAlerts:  1,
		},
		{
			name:        "自動来訪なしが無効なら終了後も状態を変えない",
			sweepAt:     time.Date(2026, 10, 19, 12, 0, 0, 0, tokyo),
			wantChecked: 1,
			wantAlerts:  1,
		},
		{
			name:        "猶予内は来訪なしにしない",
			autoNoShow:  true,
			sweepAt:     time.Date(2026, 10, 19, 11, 20, 0, 0, tokyo),
			wantChecked: 1,
			wantAlerts:  1,
		},
		{
			name:        "猶予を過ぎると来訪なしにする",
			autoNoShow:  true,
			sweepAt:     time.Date(2026, 10, 19, 12, 0, 0, 0, tokyo),
			wantChecked: 1,
			wantAlerts:  1,
			wantNoShows: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSweepFixture(t, testConfig("LOCAL", tt.autoNoShow), slot("slot-am", "10:00", "11:00"))
			booking := f.book(t, "slot-am")

			f.clock.Set(tt.sweepAt)
			s := NewEscalationSweep(f.components, nil, f.clock.Now)

			result, err := s.Sweep(ctx)
			if err != nil {
				t.Fatalf("Sweep() error = %v", err)
			}
			if result.Checked != tt.wantChecked {
				t.Errorf("Checked = %d, want %d", result.Checked, tt.wantChecked)
			}
			if len(result.AlertIDs) != tt.wantAlerts {
				t.Errorf("AlertIDs = %v, want %d alerts", result.AlertIDs, tt.wantAlerts)
			}
			if len(result.NoShowIDs) != tt.wantNoShows {
				t.Errorf("NoShowIDs = %v, want %d", result.NoShowIDs, tt.wantNoShows)
			}

			stored, err := f.store.GetBooking(ctx, booking.ID)
			if err != nil {
				t.Fatalf("GetBooking() error = %v", err)
			}
			wantStatus := model.BookingStatusConfirmed
			if tt.wantNoShows > 0 {
				wantStatus = model.BookingStatusNoShow
			}
			if stored.Status != wantStatus {
				t.Errorf("status = %s, want %s", stored.Status, wantStatus)
			}
		})
	}
}

func TestEscalationSweepService_SweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t, testConfig("LOCAL", false), slot("slot-am", "10:00", "11:00"))
	booking := f.book(t, "slot-am")

	f.clock.Set(time.Date(2026, 10, 19, 10, 30, 0, 0, tokyo))
	s := NewEscalationSweep(f.components, nil, f.clock.Now)

	first, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("first Sweep() error = %v", err)
	}
	if len(first.AlertIDs) != 1 {
		t.Fatalf("first sweep alerts = %v, want 1", first.AlertIDs)
	}

	// 期限内に再度スイープしても同じ予約のアラートは増えない
	f.clock.Set(time.Date(2026, 10, 19, 10, 45, 0, 0, tokyo))
	second, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("second Sweep() error = %v", err)
	}
	if len(second.AlertIDs) != 0 {
		t.Errorf("second sweep alerts = %v, want none", second.AlertIDs)
	}

	alert, err := f.store.GetAlert(ctx, first.AlertIDs[0])
	if err != nil {
		t.Fatalf("GetAlert() error = %v", err)
	}
	if alert.RelatedEntityType != model.EntityTypeBooking || alert.RelatedEntityID != booking.ID {
		t.Errorf("alert entity = %s %s, want booking %s", alert.RelatedEntityType, alert.RelatedEntityID, booking.ID)
	}
}

func TestEscalationSweepService_SkipsCheckedIn(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t, testConfig("LOCAL", true), slot("slot-am", "10:00", "11:00"))
	booking := f.book(t, "slot-am")

	f.clock.Set(time.Date(2026, 10, 19, 10, 5, 0, 0, tokyo))
	if _, err := f.components.Ledger.MarkCheckedIn(ctx, booking.ID); err != nil {
		t.Fatalf("MarkCheckedIn() error = %v", err)
	}

	f.clock.Set(time.Date(2026, 10, 19, 12, 0, 0, 0, tokyo))
	result, err := NewEscalationSweep(f.components, nil, f.clock.Now).Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if result.Checked != 0 || len(result.AlertIDs) != 0 || len(result.NoShowIDs) != 0 {
		t.Errorf("result = %+v, want empty", result)
	}
}

func TestEscalationSweepService_Run(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestEscalationSweepService_Run")
	defer seg.Close(nil)

	tests := []struct {
		name      string
		env       string
		taskToken string
		wantCalls int
		wantErr   bool
	}{
		{
			name:      "ローカルではStep Functionsへ通知しない",
			env:       "LOCAL",
			taskToken: "DUMMY_TASK_TOKEN",
			wantCalls: 0,
		},
		{
			name:      "スイープ結果をタスク成功として返す",
			env:       "AWS",
			taskToken: "token-1",
			wantCalls: 1,
		},
		{
			name:      "タスクトークンがない場合はエラー",
			env:       "AWS",
			taskToken: "",
			wantCalls: 0,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(tt.env, false)
			cfg.SFN.TaskToken = tt.taskToken
			f := newSweepFixture(t, cfg, slot("slot-am", "10:00", "11:00"))
			f.book(t, "slot-am")
			f.clock.Set(time.Date(2026, 10, 19, 10, 30, 0, 0, tokyo))

			client := &MockTaskClient{}
			s := NewEscalationSweep(f.components, client, f.clock.Now)

			err := s.Run(ctx)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(client.inputs) != tt.wantCalls {
				t.Fatalf("SendTaskSuccess calls = %d, want %d", len(client.inputs), tt.wantCalls)
			}
			if tt.wantCalls == 0 {
				return
			}

			input := client.inputs[0]
			if *input.TaskToken != tt.taskToken {
				t.Errorf("TaskToken = %s, want %s", *input.TaskToken, tt.taskToken)
			}
			var result SweepResult
			if err := json.Unmarshal([]byte(*input.Output), &result); err != nil {
				t.Fatalf("failed to decode output: %v", err)
			}
			if result.Checked != 1 || len(result.AlertIDs) != 1 {
				t.Errorf("output = %+v, want 1 checked and 1 alert", result)
			}

			ids, err := ParseAlertIDs(*input.Output)
			if err != nil {
				t.Fatalf("ParseAlertIDs() error = %v", err)
			}
			if len(ids) != 1 || ids[0] != result.AlertIDs[0] {
				t.Errorf("ParseAlertIDs() = %v, want %v", ids, result.AlertIDs)
			}
		})
	}
}

func TestEscalationSweepService_SweepLookback(t *testing.T) {
	ctx := context.Background()
	// 2026-10-16(金)
	friday := model.Date{Year: 2026, Month: time.October, Day: 16}

	tests := []struct {
		name        string
		lookback    int
		wantChecked int
		wantAlerts  int
	}{
		{name: "当日のみでは3日前の予約を見ない", lookback: 0, wantChecked: 0},
		{name: "1日遡っても3日前の予約は見ない", lookback: 1, wantChecked: 0},
		{name: "3日遡ると3日前の予約も評価する", lookback: 3, wantChecked: 1, wantAlerts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("LOCAL", false)
			cfg.Escalation.SweepLookbackDays = tt.lookback
			weekdays := slot("slot-am", "10:00", "11:00")
			weekdays.ActiveDays = model.NewWeekdays(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
			f := newSweepFixture(t, cfg, weekdays)

			f.clock.Set(time.Date(2026, 10, 16, 9, 0, 0, 0, tokyo))
			if _, err := f.components.Ledger.Book(ctx, ledger.BookRequest{
				SlotID:       "slot-am",
				Date:         friday,
				VisitorCount: 1,
				RequesterID:  "staff-1",
			}); err != nil {
				t.Fatalf("failed to book: %v", err)
			}

			f.clock.Set(time.Date(2026, 10, 19, 9, 0, 0, 0, tokyo))
			result, err := NewEscalationSweep(f.components, nil, f.clock.Now).Sweep(ctx)
			if err != nil {
				t.Fatalf("Sweep() error = %v", err)
			}
			if result.Checked != tt.wantChecked {
				t.Errorf("Checked = %d, want %d", result.Checked, tt.wantChecked)
			}
			if len(result.AlertIDs) != tt.wantAlerts {
				t.Errorf("AlertIDs = %v, want %d alerts", result.AlertIDs, tt.wantAlerts)
			}
		})
	}
}

func TestEscalationSweepService_SweepThenDeliverNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.SetRules(missedCheckInRule())
	clock := &testClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, tokyo)}
	delivered := &MockNotifier{}

	var gotOpts service.BuildOptions
	build := func(ctx context.Context, cfg *config.Config, opts service.BuildOptions) (*service.Components, error) {
		gotOpts = opts
		// Buildと同じく、指定がなければ本来の配信先を使う
		notifier := opts.Notifier
		if notifier == nil {
			notifier = delivered
		}
		repos := service.Repositories{TimeSlots: store, Bookings: store, Rules: store, Alerts: store}
		return service.NewComponents(cfg, repos, notifier, clock.Now)
	}

	s, err := newEscalationSweepService(ctx, testConfig("LOCAL", false), nil, build)
	if err != nil {
		t.Fatalf("newEscalationSweepService() error = %v", err)
	}
	defer s.Close()
	s.clock = clock.Now

	if _, ok := gotOpts.Notifier.(notify.Log); !ok {
		t.Errorf("sweep notifier = %T, want notify.Log", gotOpts.Notifier)
	}

	if err := s.components.Catalog.Save(ctx, slot("slot-am", "10:00", "11:00")); err != nil {
		t.Fatalf("failed to save slot: %v", err)
	}
	if _, err := s.components.Ledger.Book(ctx, ledger.BookRequest{
		SlotID:       "slot-am",
		Date:         monday,
		VisitorCount: 1,
		RequesterID:  "staff-1",
	}); err != nil {
		t.Fatalf("failed to book: %v", err)
	}

	clock.Set(time.Date(2026, 10, 19, 10, 30, 0, 0, tokyo))
	result, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(result.AlertIDs) != 1 {
		t.Fatalf("AlertIDs = %v, want 1 alert", result.AlertIDs)
	}

	// 後続の配信バッチにスイープ結果を渡す
	delivery := newTestAlertDeliveryService(store, delivered, clock.Now())
	delivery.SetArgs(result.AlertIDs)
	if err := delivery.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	counts := make(map[string]int)
	for _, id := range delivered.delivered {
		counts[id]++
	}
	for _, id := range result.AlertIDs {
		if counts[id] != 1 {
			t.Errorf("alert %s delivered %d times, want 1", id, counts[id])
		}
	}
	if len(delivered.delivered) != len(result.AlertIDs) {
		t.Errorf("delivered = %v, want %v", delivered.delivered, result.AlertIDs)
	}
}

// segmentRecorder は評価時に実行中のルートセグメント名を記録します
type segmentRecorder struct {
	next  EventEvaluator
	names []string
}

func (r *segmentRecorder) Evaluate(ctx context.Context, event escalation.Event) ([]model.NotificationAlert, error) {
	name := ""
	if seg := xray.GetSegment(ctx); seg != nil && seg.ParentSegment != nil {
		name = seg.ParentSegment.Name
	}
	r.names = append(r.names, name)
	return r.next.Evaluate(ctx, event)
}

func TestEscalationSweepService_RunScheduled(t *testing.T) {
	f := newSweepFixture(t, testConfig("LOCAL", false), slot("slot-am", "10:00", "11:00"))
	f.book(t, "slot-am")
	f.clock.Set(time.Date(2026, 10, 19, 10, 30, 0, 0, tokyo))

	s := NewEscalationSweep(f.components, nil, f.clock.Now)
	recorder := &segmentRecorder{next: f.components.Engine}
	s.evaluator = recorder

	// セグメントのないコンテキストから呼ばれても評価はセグメントの中で行う
	s.RunScheduled(context.Background(), "sbcntr-visitor-api-sweep")

	if len(recorder.names) != 1 {
		t.Fatalf("evaluations = %d, want 1", len(recorder.names))
	}
	if recorder.names[0] != "sbcntr-visitor-api-sweep" {
		t.Errorf("segment = %q, want sbcntr-visitor-api-sweep", recorder.names[0])
	}

	active, err := f.store.ListActiveAlerts(context.Background(), repository.AlertFilter{}, f.clock.Now())
	if err != nil {
		t.Fatalf("ListActiveAlerts() error = %v", err)
	}
	if len(active) != 1 {
		t.Errorf("active alerts = %d, want 1", len(active))
	}
}

package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/uma-arai/sbcntr-visitor/internal/model"
)

var validate = validator.New()

type bookRequest struct {
	SlotID              string `json:"slot_id" validate:"required,max=64"`
	Date                string `json:"date" validate:"required,datetime=2006-01-02"`
	VisitorCount        int    `json:"visitor_count" validate:"required,min=1"`
	RequesterID         string `json:"requester_id" validate:"required,max=64"`
	InvitationID        string `json:"invitation_id" validate:"omitempty,max=64"`
	Notes               string `json:"notes" validate:"max=1000"`
	RequireConfirmation bool   `json:"require_confirmation"`
}

type cancelRequest struct {
	CancelledBy string `json:"cancelled_by" validate:"required,max=64"`
	Reason      string `json:"reason" validate:"max=500"`
}

type noShowRequest struct {
	AsOf *time.Time `json:"as_of"`
}

type acknowledgeRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
}

type timeSlotRequest struct {
	Name          string   `json:"name" validate:"required,max=100"`
	StartTime     string   `json:"start_time" validate:"required"`
	EndTime       string   `json:"end_time" validate:"required"`
	MaxVisitors   int      `json:"max_visitors" validate:"required,min=1"`
	ActiveDays    []string `json:"active_days" validate:"required,min=1,dive,oneof=sun mon tue wed thu fri sat"`
	LocationID    *string  `json:"location_id" validate:"omitempty,max=64"`
	BufferMinutes int      `json:"buffer_minutes" validate:"min=0"`
	DisplayOrder  int      `json:"display_order"`
	IsActive      *bool    `json:"is_active"`
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func (req timeSlotRequest) toDefinition(id string) (model.TimeSlotDefinition, error) {
	start, err := model.ParseTimeOfDay(req.StartTime)
	if err != nil {
		return model.TimeSlotDefinition{}, fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}
	end, err := model.ParseTimeOfDay(req.EndTime)
	if err != nil {
		return model.TimeSlotDefinition{}, fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}

	days := make([]time.Weekday, 0, len(req.ActiveDays))
	for _, name := range req.ActiveDays {
		days = append(days, weekdayNames[strings.ToLower(name)])
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	return model.TimeSlotDefinition{
		ID:            id,
		Name:          req.Name,
		StartTime:     start,
		EndTime:       end,
		MaxVisitors:   req.MaxVisitors,
		ActiveDays:    model.NewWeekdays(days...),
		LocationID:    req.LocationID,
		BufferMinutes: req.BufferMinutes,
		DisplayOrder:  req.DisplayOrder,
		IsActive:      isActive,
	}, nil
}

// decode はJSONを読み込み、validateタグで検証します
// ボディが空の場合はゼロ値のまま検証します
func decode(r *http.Request, dst any) error {
	if r.Body != nil && r.ContentLength != 0 {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return fmt.Errorf("%w: invalid request body: %v", model.ErrInvalidArgument, err)
		}
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}
	return nil
}

func parseDateParam(r *http.Request, name string) (model.Date, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return model.Date{}, fmt.Errorf("%w: query parameter %s is required", model.ErrInvalidArgument, name)
	}
	d, err := model.ParseDate(raw)
	if err != nil {
		return model.Date{}, fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}
	return d, nil
}

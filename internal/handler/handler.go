// Package handler はHTTP APIを提供します
package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"github.com/uma-arai/sbcntr-visitor/internal/escalation"
	"github.com/uma-arai/sbcntr-visitor/internal/ledger"
	"github.com/uma-arai/sbcntr-visitor/internal/model"
	"github.com/uma-arai/sbcntr-visitor/internal/repository"
)

// SlotAdmin は時間枠定義の管理操作です
type SlotAdmin interface {
	Save(ctx context.Context, def model.TimeSlotDefinition) error
	Deactivate(ctx context.Context, slotID string) error
	GetDefinition(ctx context.Context, slotID string) (model.TimeSlotDefinition, error)
}

// BookingLedger は予約台帳の操作です
type BookingLedger interface {
	Book(ctx context.Context, req ledger.BookRequest) (model.Booking, error)
	Cancel(ctx context.Context, bookingID, cancelledBy, reason string) (model.Booking, error)
	Confirm(ctx context.Context, bookingID string) (model.Booking, error)
	MarkCheckedIn(ctx context.Context, bookingID string) (model.Booking, error)
	MarkNoShow(ctx context.Context, bookingID string, asOf time.Time) (model.Booking, error)
	Availability(ctx context.Context, slotID string, date model.Date) (model.AvailabilityView, error)
	ListAvailability(ctx context.Context, from, to model.Date) ([]model.AvailabilityView, error)
}

// AlertService はアラートの参照と確認です
type AlertService interface {
	Acknowledge(ctx context.Context, alertID, userID string) (escalation.AcknowledgeResult, error)
	ListActive(ctx context.Context, filter repository.AlertFilter) ([]model.NotificationAlert, error)
}

type Handler struct {
	slots   SlotAdmin
	ledger  BookingLedger
	alerts  AlertService
	limiter *RateLimiter
}

func New(slots SlotAdmin, ledger BookingLedger, alerts AlertService, limiter *RateLimiter) *Handler {
	return &Handler{slots: slots, ledger: ledger, alerts: alerts, limiter: limiter}
}

// Router はルーティングを組み立てます。書き込み系のルートにはレート制限をかけます
func (h *Handler) Router() *httprouter.Router {
	limit := func(next httprouter.Handle) httprouter.Handle { return next }
	if h.limiter != nil {
		limit = h.limiter.Limit
	}

	router := httprouter.New()
	router.GET("/health", h.health)

	router.GET("/availability", h.listAvailability)
	router.GET("/timeslots/:id/availability", h.slotAvailability)
	router.PUT("/timeslots/:id", limit(h.saveTimeSlot))
	router.POST("/timeslots/:id/deactivate", limit(h.deactivateTimeSlot))

	router.POST("/bookings", limit(h.book))
	router.POST("/bookings/:id/cancel", limit(h.cancel))
	router.POST("/bookings/:id/confirm", limit(h.confirm))
	router.POST("/bookings/:id/check-in", limit(h.checkIn))
	router.POST("/bookings/:id/no-show", limit(h.noShow))

	router.GET("/alerts", h.listAlerts)
	router.POST("/alerts/:id/acknowledge", limit(h.acknowledge))
	return router
}

// Wrap はCORSとアクセスログを付けたハンドラを返します
func Wrap(next http.Handler, allowedOrigins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return loggingMiddleware(c.Handler(next))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s from %s - %v", r.Method, r.URL.RequestURI(), r.RemoteAddr, time.Since(start))
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listAvailability(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	from, err := parseDateParam(r, "from")
	if err != nil {
		writeError(w, r, err)
		return
	}
	to := from
	if r.URL.Query().Get("to") != "" {
		if to, err = parseDateParam(r, "to"); err != nil {
			writeError(w, r, err)
			return
		}
	}

	views, err := h.ledger.ListAvailability(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if views == nil {
		views = []model.AvailabilityView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"availability": views})
}

func (h *Handler) slotAvailability(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	date, err := parseDateParam(r, "date")
	if err != nil {
		writeError(w, r, err)
		return
	}

	view, err := h.ledger.Availability(r.Context(), ps.ByName("id"), date)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) saveTimeSlot(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req timeSlotRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	def, err := req.toDefinition(ps.ByName("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.slots.Save(r.Context(), def); err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := h.slots.GetDefinition(r.Context(), def.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) deactivateTimeSlot(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := h.slots.Deactivate(r.Context(), ps.ByName("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) book(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req bookRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	date, err := model.ParseDate(req.Date)
	if err != nil {
		writeError(w, r, err)
		return
	}

	booking, err := h.ledger.Book(r.Context(), ledger.BookRequest{
		SlotID:              req.SlotID,
		Date:                date,
		VisitorCount:        req.VisitorCount,
		RequesterID:         req.RequesterID,
		InvitationID:        req.InvitationID,
		Notes:               req.Notes,
		RequireConfirmation: req.RequireConfirmation,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	booking, err := h.ledger.Cancel(r.Context(), ps.ByName("id"), req.CancelledBy, req.Reason)
	if errors.Is(err, model.ErrAlreadyCancelled) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "already_cancelled", Message: err.Error(), Booking: &booking})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h.respondBooking(w, r)(h.ledger.Confirm(r.Context(), ps.ByName("id")))
}

func (h *Handler) checkIn(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h.respondBooking(w, r)(h.ledger.MarkCheckedIn(r.Context(), ps.ByName("id")))
}

func (h *Handler) noShow(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req noShowRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	var asOf time.Time
	if req.AsOf != nil {
		asOf = *req.AsOf
	}
	h.respondBooking(w, r)(h.ledger.MarkNoShow(r.Context(), ps.ByName("id"), asOf))
}

func (h *Handler) respondBooking(w http.ResponseWriter, r *http.Request) func(model.Booking, error) {
	return func(booking model.Booking, err error) {
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, booking)
	}
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	alerts, err := h.alerts.ListActive(r.Context(), repository.AlertFilter{
		UserID: q.Get("user_id"),
		Role:   q.Get("role"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []model.NotificationAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req acknowledgeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.alerts.Acknowledge(r.Context(), ps.ByName("id"), req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

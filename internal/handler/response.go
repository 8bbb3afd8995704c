package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/uma-arai/sbcntr-visitor/internal/model"
)

type errorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Booking *model.Booking `json:"booking,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

// writeError はドメインのエラーをHTTPステータスに変換します
// 想定外のエラーは内容を返さずにログへ残します
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		capErr       *model.CapacityExceededError
		notBookable  *model.NotBookableError
		transitionEr *model.TransitionError
	)

	switch {
	case errors.As(err, &capErr):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:   "capacity_exceeded",
			Message: err.Error(),
			Details: map[string]any{
				"capacity":  capErr.Capacity,
				"booked":    capErr.Booked,
				"requested": capErr.Requested,
				"remaining": capErr.Remaining(),
			},
		})
	case errors.As(err, &notBookable):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:   "not_bookable",
			Message: err.Error(),
			Details: map[string]any{"reason": notBookable.Reason},
		})
	case errors.As(err, &transitionEr):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:   "invalid_transition",
			Message: err.Error(),
			Details: map[string]any{"from": transitionEr.From, "to": transitionEr.To},
		})
	case errors.Is(err, model.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_argument", Message: err.Error()})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, model.ErrTimeout):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "timeout", Message: err.Error()})
	case errors.Is(err, model.ErrCancelled):
		writeJSON(w, http.StatusRequestTimeout, errorResponse{Error: "cancelled", Message: err.Error()})
	default:
		log.Printf("%s %s failed: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal", Message: "internal server error"})
	}
}

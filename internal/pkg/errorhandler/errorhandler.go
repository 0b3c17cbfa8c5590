package errorhandler

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mwork/credit-ledger/internal/pkg/logger"
	"github.com/mwork/credit-ledger/internal/pkg/response"
)

// Kinded is implemented by errors that carry a stable machine-readable kind
// and the HTTP status it maps to.
type Kinded interface {
	error
	Kind() string
	HTTPStatus() int
}

// Detailed errors add per-field details to the envelope.
type Detailed interface {
	Details() map[string]string
}

// Mapping binds a sentinel error to a response for errors that are not Kinded.
type Mapping struct {
	Err     error
	Status  int
	Code    string
	Message string
}

// Handle writes err as a JSON error envelope. Kinded errors keep their own
// kind and status; mappings are tried next; anything else is logged and
// reported as INTERNAL_ERROR.
func Handle(ctx context.Context, w http.ResponseWriter, err error, mappings ...Mapping) {
	var kinded Kinded
	if errors.As(err, &kinded) {
		status := kinded.HTTPStatus()
		logAt(ctx, status, err, kinded.Kind())

		var detailed Detailed
		if errors.As(err, &detailed) {
			response.ErrorWithDetails(w, status, kinded.Kind(), kinded.Error(), detailed.Details())
			return
		}
		response.Error(w, status, kinded.Kind(), kinded.Error())
		return
	}

	for _, m := range mappings {
		if errors.Is(err, m.Err) {
			logAt(ctx, m.Status, err, m.Code)
			msg := m.Message
			if msg == "" {
				msg = err.Error()
			}
			response.Error(w, m.Status, m.Code, msg)
			return
		}
	}

	logAt(ctx, http.StatusInternalServerError, err, "INTERNAL_ERROR")
	response.InternalError(w)
}

func logAt(ctx context.Context, status int, err error, code string) {
	l := logger.FromContext(ctx)
	var event *zerolog.Event
	switch {
	case status >= 500:
		event = l.Error()
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		event = l.Info()
	default:
		event = l.Warn()
	}
	event.Err(err).Str("error_code", code).Int("status_code", status).Msg("Request error")
}

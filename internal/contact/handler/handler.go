package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"linkage/internal/contact/models"
	"linkage/internal/platform/metrics"
	"linkage/internal/platform/middleware"
	dErrors "linkage/pkg/domain-errors"
	"linkage/pkg/platform/httputil"
	"linkage/pkg/platform/middleware/metadata"
	"linkage/pkg/platform/middleware/requesttime"
)

const defaultRequestTimeout = 10 * time.Second

// Service defines the identity operations exposed over HTTP.
type Service interface {
	Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error)
	Cluster(ctx context.Context, id int64) (*models.IdentifyResponse, error)
}

// Handler serves the contact endpoints.
type Handler struct {
	logger         *slog.Logger
	service        Service
	metrics        *metrics.Metrics
	requestTimeout time.Duration
}

// New creates a contact Handler. A zero requestTimeout uses the default.
func New(service Service, logger *slog.Logger, metrics *metrics.Metrics, requestTimeout time.Duration) *Handler {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Handler{
		logger:         logger,
		service:        service,
		metrics:        metrics,
		requestTimeout: requestTimeout,
	}
}

// Register registers the contact routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Recovery(h.logger))
		r.Use(middleware.RequestID)
		r.Use(metadata.ClientMetadata)
		r.Use(requesttime.Middleware)
		r.Use(middleware.Logger(h.logger))
		r.Use(middleware.Timeout(h.requestTimeout))
		r.Use(middleware.ContentTypeJSON)
		r.Use(middleware.LatencyMiddleware(h.metrics))

		r.Post("/identify", h.handleIdentify)
		r.Get("/contacts/{id}", h.handleGetCluster)
	})
}

// handleIdentify resolves the submitted email/phone to its identity cluster.
func (h *Handler) handleIdentify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	payload, ok := httputil.DecodeAndPrepare[IdentifyPayload](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	resp, err := h.service.Identify(ctx, payload.ToRequest())
	if err != nil {
		h.writeServiceError(ctx, w, err, "identify failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// handleGetCluster returns the cluster containing the contact id.
func (h *Handler) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "contact id must be a positive integer"))
		return
	}

	resp, err := h.service.Cluster(ctx, id)
	if err != nil {
		h.writeServiceError(ctx, w, err, "cluster lookup failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	requestID := middleware.GetRequestID(ctx)
	code := dErrors.CodeInternal
	if de, ok := dErrors.As(err); ok {
		code = de.Code
	}
	if dErrors.ToHTTPStatus(code) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg,
			"request_id", requestID,
			"error", err.Error(),
		)
	} else {
		h.logger.WarnContext(ctx, msg,
			"request_id", requestID,
			"error", err.Error(),
		)
	}
	httputil.WriteError(w, err)
}

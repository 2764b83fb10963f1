// internal/api/http/aecu_handler.go
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"easy-content-upgrade/internal/domain"
	"easy-content-upgrade/internal/metrics"
	"easy-content-upgrade/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultHistoryCount = 20
	maxHistoryCount     = 100
)

// NodeLister lists the live nodes of the cluster.
type NodeLister interface {
	Nodes() []domain.Node
}

// AecuHandler serves the AECU console API under /aecu/.
type AecuHandler struct {
	service  *usecase.AecuService
	nodes    NodeLister
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewAecuHandler creates a new AecuHandler.
func NewAecuHandler(service *usecase.AecuService, nodes NodeLister, logger *slog.Logger) *AecuHandler {
	return &AecuHandler{
		service:  service,
		nodes:    nodes,
		logger:   logger.With("component", "aecu-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("aecu-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the AECU routes to the http.ServeMux.
func (h *AecuHandler) RegisterRoutes(mux *http.ServeMux) {
	baseHandler := http.HandlerFunc(h.handleAecu)

	instrumentedHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeTemplate(r.URL.Path)

		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+route, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		baseHandler.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})

	mux.Handle("/aecu/", instrumentedHandler)
}

const unmatchedRoute = "unmatched"

// routeTemplate maps a request path to one of the served routes so metric
// labels stay bounded. Anything else is reported as unmatchedRoute.
func routeTemplate(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 2 || parts[0] != "aecu" {
		return unmatchedRoute
	}
	switch {
	case len(parts) == 2:
		switch parts[1] {
		case "version", "files", "execute", "run", "nodes", "history":
			return "/aecu/" + parts[1]
		}
	case parts[1] == "history" && len(parts) == 3:
		return "/aecu/history/{id}"
	case parts[1] == "history" && len(parts) == 4 && parts[3] == "finish":
		return "/aecu/history/{id}/finish"
	}
	return unmatchedRoute
}

// handleAecu is a general dispatcher for the /aecu/ path
func (h *AecuHandler) handleAecu(w http.ResponseWriter, r *http.Request) {
	// e.g. /aecu/history/<id>/finish -> ["aecu", "history", "<id>", "finish"]
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 2 || pathParts[0] != "aecu" {
		http.NotFound(w, r)
		return
	}

	resource := pathParts[1]
	var id, action string
	if len(pathParts) > 2 {
		id = pathParts[2]
	}
	if len(pathParts) > 3 {
		action = pathParts[3]
	}
	if len(pathParts) > 4 || (resource != "history" && id != "") {
		http.NotFound(w, r)
		return
	}

	switch {
	case resource == "version":
		h.only(w, r, http.MethodGet, h.handleVersion)
	case resource == "files":
		h.only(w, r, http.MethodGet, h.handleFiles)
	case resource == "execute":
		h.only(w, r, http.MethodPost, h.handleExecute)
	case resource == "run":
		h.only(w, r, http.MethodPost, h.handleRun)
	case resource == "nodes":
		h.only(w, r, http.MethodGet, h.handleNodes)
	case resource == "history" && id == "":
		switch r.Method {
		case http.MethodGet:
			h.handleListHistory(w, r)
		case http.MethodPost:
			h.handleCreateHistory(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case resource == "history" && action == "":
		h.only(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) { h.handleGetHistory(w, r, id) })
	case resource == "history" && action == "finish":
		h.only(w, r, http.MethodPost, func(w http.ResponseWriter, r *http.Request) { h.handleFinishHistory(w, r, id) })
	default:
		http.NotFound(w, r)
	}
}

func (h *AecuHandler) only(w http.ResponseWriter, r *http.Request, method string, next http.HandlerFunc) {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	next(w, r)
}

func (h *AecuHandler) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, versionResponse{Version: h.service.GetVersion()})
}

func (h *AecuHandler) handleFiles(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetFiles")
	defer span.End()

	p := r.URL.Query().Get("path")
	span.SetAttributes(attribute.String("script.path", p))

	files, err := h.service.GetFiles(ctx, p)
	if err != nil {
		h.writeError(w, span, "error listing files", err)
		return
	}
	writeJSON(w, http.StatusOK, FilesResponse{Path: p, Files: files})
}

func (h *AecuHandler) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Execute")
	defer span.End()

	var req ExecuteRequest
	if !h.decode(w, r, span, &req) {
		return
	}
	span.SetAttributes(attribute.String("script.path", req.Path))

	// Resolve the entry first so an unknown or finished entry does not run the script.
	var entry *domain.HistoryEntry
	if req.HistoryID != "" {
		var err error
		if entry, err = h.service.GetHistoryEntry(ctx, req.HistoryID); err != nil {
			h.writeError(w, span, "error loading history entry", err)
			return
		}
		if entry.State == domain.HistoryStateFinished {
			h.writeError(w, span, "history entry is finished", domain.NewError("execute", req.Path, domain.ErrHistoryClosed))
			return
		}
	}

	result, err := h.service.Execute(ctx, req.Path)
	if err != nil {
		h.writeError(w, span, "error executing script", err)
		return
	}

	resp := ExecuteResponse{Result: result}
	if entry != nil {
		if resp.History, err = h.service.StoreExecutionInHistory(ctx, entry, result); err != nil {
			h.writeError(w, span, "error storing execution", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AecuHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Run")
	defer span.End()

	var req RunRequest
	if !h.decode(w, r, span, &req) {
		return
	}
	span.SetAttributes(attribute.String("script.path", req.Path))

	entry, err := h.service.RunPath(ctx, req.Path)
	if err != nil && entry != nil {
		// the run was recorded; report the entry along with the error
		span.SetAttributes(attribute.String("history.id", entry.ID))
		h.writeErrorWith(w, span, "error running path", err, entry)
		return
	}
	if err != nil {
		h.writeError(w, span, "error running path", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *AecuHandler) handleCreateHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.CreateHistoryEntry")
	defer span.End()

	entry, err := h.service.CreateHistoryEntry(ctx)
	if err != nil {
		h.writeError(w, span, "error creating history entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *AecuHandler) handleFinishHistory(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.FinishHistoryEntry")
	defer span.End()
	span.SetAttributes(attribute.String("history.id", id))

	entry, err := h.service.GetHistoryEntry(ctx, id)
	if err == nil {
		entry, err = h.service.FinishHistoryEntry(ctx, entry)
	}
	if err != nil {
		h.writeError(w, span, "error finishing history entry", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *AecuHandler) handleGetHistory(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetHistoryEntry")
	defer span.End()
	span.SetAttributes(attribute.String("history.id", id))

	entry, err := h.service.GetHistoryEntry(ctx, id)
	if err != nil {
		h.writeError(w, span, "error getting history entry", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleListHistory handles GET /aecu/history?start=&count=
func (h *AecuHandler) handleListHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetHistory")
	defer span.End()

	start, err := queryInt(r, "start", 0)
	if err != nil {
		h.writeError(w, span, "invalid start", err)
		return
	}
	count, err := queryInt(r, "count", defaultHistoryCount)
	if err != nil {
		h.writeError(w, span, "invalid count", err)
		return
	}
	if count > maxHistoryCount {
		count = maxHistoryCount
	}
	span.SetAttributes(attribute.Int("start", start), attribute.Int("count", count))

	entries, err := h.service.GetHistory(ctx, start, count)
	if err != nil {
		h.writeError(w, span, "error listing history", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *AecuHandler) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.nodes.Nodes())
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewError("parseQuery", "", errors.Join(domain.ErrInvalidRange, err))
	}
	return v, nil
}

// decode reads and validates a JSON body, writing a 400 response on failure.
func (h *AecuHandler) decode(w http.ResponseWriter, r *http.Request, span trace.Span, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var details []string
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fe := range validationErrors {
				details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
			}
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Validation failed", Details: details})
		return false
	}
	return true
}

func (h *AecuHandler) writeError(w http.ResponseWriter, span trace.Span, msg string, err error) {
	h.writeErrorWith(w, span, msg, err, nil)
}

// writeErrorWith is writeError for failures that still produced a history entry.
func (h *AecuHandler) writeErrorWith(w http.ResponseWriter, span trace.Span, msg string, err error, entry *domain.HistoryEntry) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)

	logger := h.logger
	if entry != nil {
		logger = logger.With("history_id", entry.ID)
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, "error", err)
		writeJSON(w, status, errorResponse{Error: "Internal server error", History: entry})
		return
	}
	logger.Warn(msg, "error", err)
	writeJSON(w, status, errorResponse{Error: err.Error(), History: entry})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidPath),
		errors.Is(err, domain.ErrNotExecutable),
		errors.Is(err, domain.ErrInvalidRange),
		errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrHistoryNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrHistoryClosed),
		errors.Is(err, domain.ErrLockNotAcquired):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

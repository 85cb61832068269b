package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/elys-network/avr/internal/avr"
	"github.com/elys-network/avr/internal/executor"
	"github.com/elys-network/avr/internal/ledger"
	"github.com/elys-network/avr/internal/logger"
	"github.com/elys-network/avr/internal/metrics"
	"github.com/elys-network/avr/internal/planner"
	"github.com/elys-network/avr/internal/registry"
	"github.com/elys-network/avr/internal/state"
)

// WebServer exposes the rebalancer's operator API over HTTP
type WebServer struct {
	router   *mux.Router
	handler  http.Handler
	port     string
	manager  *avr.Manager
	metrics  *metrics.Metrics
	apiToken string
	logger   zerolog.Logger
}

// NewWebServer creates a new web server instance. Mutating routes are refused when apiToken is empty.
func NewWebServer(port string, manager *avr.Manager, m *metrics.Metrics, apiToken string) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router:   mux.NewRouter(),
		port:     port,
		manager:  manager,
		metrics:  m,
		apiToken: apiToken,
		logger:   logger.GetForComponent("web_server"),
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	if ws.metrics != nil {
		ws.router.Handle("/metrics", ws.metrics.Handler()).Methods("GET")
	}

	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/status", ws.handleGetStatus).Methods("GET")
	api.HandleFunc("/distribution", ws.handleGetDistribution).Methods("GET")
	api.HandleFunc("/ledger", ws.handleGetLedger).Methods("GET")
	api.HandleFunc("/cycles", ws.handleGetCycles).Methods("GET")
	api.HandleFunc("/cycles/summary", ws.handleGetCycleSummary).Methods("GET")
	api.HandleFunc("/cycles/{number:[0-9]+}", ws.handleGetCycle).Methods("GET")

	// Operator routes
	api.HandleFunc("/cycles/run", ws.requireOperator(ws.handleRunCycle)).Methods("POST")
	api.HandleFunc("/rebalance", ws.requireOperator(ws.handleRebalance)).Methods("POST")
	api.HandleFunc("/ledger/resync", ws.requireOperator(ws.handleResyncLedger)).Methods("POST")
	api.HandleFunc("/thresholds", ws.requireOperator(ws.handleSetThresholds)).Methods("PUT")
	api.HandleFunc("/pause", ws.requireOperator(ws.handlePause)).Methods("POST")
	api.HandleFunc("/unpause", ws.requireOperator(ws.handleUnpause)).Methods("POST")

	ws.router.Use(ws.loggingMiddleware)

	// CORS wraps the router so preflight requests are answered before route matching
	ws.handler = cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(ws.router)
}

// Handler returns the fully wired HTTP handler.
func (ws *WebServer) Handler() http.Handler {
	return ws.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (ws *WebServer) Start(ctx context.Context) error {
	ws.logger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		ws.logger.Info().Msg("Shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// handleHealth returns server health status
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	hasErrors := false
	dbConfigured := state.DB != nil
	dbHealthy := false
	currentCycle := 0
	if dbConfigured {
		dbHealthy = state.TestDBConnection() == nil
		hasErrors = !dbHealthy
		if dbHealthy {
			n, err := state.GetCurrentCycleNumber(r.Context())
			if err != nil {
				ws.logger.Warn().Err(err).Msg("Failed to read the cycle counter")
			}
			currentCycle = n
		}
	}

	overallStatus := "OK"
	if hasErrors {
		overallStatus = "DEGRADED"
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
		},
		"component": map[string]interface{}{
			"name":    "avr-validator-rebalancer",
			"version": "1.0.0",
		},
		"avr_status": map[string]interface{}{
			"database_configured": dbConfigured,
			"database_healthy":    dbHealthy,
			"paused":              ws.manager.Paused(),
			"cycle_in_progress":   ws.manager.InProgress(),
			"current_cycle":       currentCycle,
		},
	}

	statusCode := http.StatusOK
	if hasErrors {
		statusCode = http.StatusServiceUnavailable
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// handleGetStatus answers shouldRebalance together with the live parameters and flags
func (ws *WebServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	decision, err := ws.manager.ShouldRebalance(r.Context())
	if err != nil {
		ws.logger.Error().Err(err).Msg("Failed to evaluate rebalance decision")
		ws.writeErrorResponse(w, statusForError(err), err.Error())
		return
	}

	response := map[string]interface{}{
		"decision":          decision,
		"parameters":        ws.manager.Params(),
		"operator":          ws.manager.Operator().Hex(),
		"paused":            ws.manager.Paused(),
		"cycle_in_progress": ws.manager.InProgress(),
		"timestamp":         time.Now().UTC(),
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetDistribution returns the optimal distribution as parallel arrays
func (ws *WebServer) handleGetDistribution(w http.ResponseWriter, r *http.Request) {
	validators, bps, err := ws.manager.GetOptimalValidatorDistribution(r.Context())
	if err != nil {
		ws.logger.Error().Err(err).Msg("Failed to compute optimal distribution")
		ws.writeErrorResponse(w, statusForError(err), err.Error())
		return
	}

	addresses := make([]string, len(validators))
	for i, v := range validators {
		addresses[i] = v.Hex()
	}
	response := map[string]interface{}{
		"validators":   addresses,
		"basis_points": bps,
		"timestamp":    time.Now().UTC(),
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

func (ws *WebServer) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	records, parked := ws.manager.LedgerState()
	total := parked
	for _, record := range records {
		total = total.Add(record.Amount)
	}

	response := map[string]interface{}{
		"records":         records,
		"parked":          parked,
		"managed_capital": total,
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetCycles returns the most recent cycle snapshots
func (ws *WebServer) handleGetCycles(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 100 {
			limit = parsedLimit
		}
	}

	cycles, err := state.GetRecentCycles(r.Context(), limit)
	if err != nil {
		ws.logger.Error().Err(err).Msg("Failed to get recent cycles")
		ws.writeErrorResponse(w, statusForError(err), "Failed to retrieve cycles")
		return
	}

	response := map[string]interface{}{
		"cycles": cycles,
		"count":  len(cycles),
		"limit":  limit,
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetCycle returns a specific cycle by number
func (ws *WebServer) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(mux.Vars(r)["number"])
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid cycle number")
		return
	}

	cycle, err := state.GetCycleByNumber(r.Context(), number)
	if err != nil {
		ws.logger.Error().Err(err).Int("cycleNumber", number).Msg("Failed to get cycle")
		ws.writeErrorResponse(w, statusForError(err), "Cycle not found")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, cycle)
}

func (ws *WebServer) handleGetCycleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := state.GetCycleSummary(r.Context())
	if err != nil {
		ws.logger.Error().Err(err).Msg("Failed to get cycle summary")
		ws.writeErrorResponse(w, statusForError(err), "Failed to retrieve cycle summary")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, summary)
}

// handleRunCycle runs one cycle to completion even if the client goes away mid-plan.
func (ws *WebServer) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	result, err := ws.manager.RunCycle(context.WithoutCancel(r.Context()))
	ws.writeCycleResult(w, result, err)
}

func (ws *WebServer) handleResyncLedger(w http.ResponseWriter, r *http.Request) {
	result, err := ws.manager.ResyncLedger(context.WithoutCancel(r.Context()), ws.manager.Operator())
	ws.writeCycleResult(w, result, err)
}

// RebalanceRequest carries a manual plan as parallel arrays. Amounts are decimal strings.
type RebalanceRequest struct {
	Sources       []string `json:"sources"`
	SourceAmounts []string `json:"source_amounts"`
	Targets       []string `json:"targets"`
	TargetAmounts []string `json:"target_amounts"`
}

func (ws *WebServer) handleRebalance(w http.ResponseWriter, r *http.Request) {
	var req RebalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sources, err := parseAddresses(req.Sources)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	targets, err := parseAddresses(req.Targets)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	sourceAmounts, err := parseAmounts(req.SourceAmounts)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	targetAmounts, err := parseAmounts(req.TargetAmounts)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	// Once validated the plan runs to completion, detached from the request's cancellation.
	result, err := ws.manager.Rebalance(context.WithoutCancel(r.Context()), ws.manager.Operator(), sources, sourceAmounts, targets, targetAmounts)
	ws.writeCycleResult(w, result, err)
}

// ThresholdsRequest updates both policy thresholds at once.
type ThresholdsRequest struct {
	ApyDeltaThresholdBps *uint64 `json:"apy_delta_threshold_bps"`
	RiskScoreThreshold   *uint64 `json:"risk_score_threshold"`
}

func (ws *WebServer) handleSetThresholds(w http.ResponseWriter, r *http.Request) {
	var req ThresholdsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ApyDeltaThresholdBps == nil || req.RiskScoreThreshold == nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "apy_delta_threshold_bps and risk_score_threshold are required")
		return
	}

	if err := ws.manager.SetThresholds(r.Context(), ws.manager.Operator(), *req.ApyDeltaThresholdBps, *req.RiskScoreThreshold); err != nil {
		ws.logger.Warn().Err(err).Msg("Threshold update rejected")
		ws.writeErrorResponse(w, statusForError(err), err.Error())
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"parameters": ws.manager.Params(),
		"timestamp":  time.Now().UTC(),
	})
}

func (ws *WebServer) handlePause(w http.ResponseWriter, r *http.Request) {
	ws.writePauseResult(w, ws.manager.Pause(ws.manager.Operator()))
}

func (ws *WebServer) handleUnpause(w http.ResponseWriter, r *http.Request) {
	ws.writePauseResult(w, ws.manager.Unpause(ws.manager.Operator()))
}

func (ws *WebServer) writePauseResult(w http.ResponseWriter, err error) {
	if err != nil {
		ws.writeErrorResponse(w, statusForError(err), err.Error())
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"paused":            ws.manager.Paused(),
		"cycle_in_progress": ws.manager.InProgress(),
	})
}

// writeCycleResult reports a partially executed plan with its receipts so the operator
// can see which steps completed.
func (ws *WebServer) writeCycleResult(w http.ResponseWriter, result avr.CycleResult, err error) {
	if err == nil {
		ws.writeJSONResponse(w, http.StatusOK, result)
		return
	}

	ws.logger.Warn().Err(err).Str("cycle_id", result.CycleID).Msg("Cycle request failed")
	var partial *executor.PartialExecutionError
	if errors.As(err, &partial) {
		ws.writeJSONResponse(w, http.StatusBadGateway, map[string]interface{}{
			"error":     true,
			"message":   err.Error(),
			"result":    result,
			"phase":     partial.Phase,
			"step":      partial.Step,
			"completed": partial.Completed,
			"timestamp": time.Now().UTC(),
		})
		return
	}
	ws.writeErrorResponse(w, statusForError(err), err.Error())
}

// requireOperator admits requests carrying the operator bearer token.
func (ws *WebServer) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ws.apiToken == "" {
			ws.writeErrorResponse(w, http.StatusForbidden, "Operator API is disabled")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(ws.apiToken)) != 1 {
			ws.logger.Warn().Str("path", r.URL.Path).Str("remote_addr", r.RemoteAddr).Msg("Rejected unauthenticated operator request")
			ws.writeErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, avr.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, avr.ErrCycleInProgress),
		errors.Is(err, avr.ErrPaused),
		errors.Is(err, ledger.ErrStaleLedger):
		return http.StatusConflict
	case errors.Is(err, avr.ErrInvalidThreshold),
		errors.Is(err, planner.ErrInvalidPlan),
		errors.Is(err, planner.ErrConservationViolated),
		errors.Is(err, planner.ErrUnsafeTarget):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrCycleNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrDBNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrValidatorNotFound):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseAddresses(values []string) ([]common.Address, error) {
	out := make([]common.Address, len(values))
	for i, v := range values {
		if !common.IsHexAddress(v) {
			return nil, errors.New("invalid address: " + v)
		}
		out[i] = common.HexToAddress(v)
	}
	return out, nil
}

func parseAmounts(values []string) ([]sdkmath.Int, error) {
	out := make([]sdkmath.Int, len(values))
	for i, v := range values {
		amount, ok := sdkmath.NewIntFromString(v)
		if !ok {
			return nil, errors.New("invalid amount: " + v)
		}
		out[i] = amount
	}
	return out, nil
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		ws.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		ws.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

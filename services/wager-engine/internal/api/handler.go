package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/bets"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/database"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/price"
	"github.com/paaavkata/crypto-wager/services/wager-engine/pkg/models"
	"github.com/paaavkata/crypto-wager/shared/pkg/binance"
	"github.com/sirupsen/logrus"
)

const (
	userHeader    = "X-User-ID"
	requestHeader = "X-Request-ID"

	maxHistoryLimit = 120
)

type BetService interface {
	Info() models.BetInfo
	Supported(ticker string) bool
	PlaceBet(ctx context.Context, userID int64, ticker, direction string) (*models.Bet, error)
	OpenBets(ctx context.Context, userID int64) ([]models.Bet, error)
	CreateUser(ctx context.Context) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

type PriceService interface {
	GetPrice(ctx context.Context, ticker string) (models.Candle, error)
	GetRecentPrices(ctx context.Context, ticker string, startAt time.Time) ([]models.Candle, error)
}

type Handler struct {
	bets   BetService
	prices PriceService
	logger *logrus.Logger
	now    func() time.Time
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(betService BetService, prices PriceService, logger *logrus.Logger) *Handler {
	return &Handler{
		bets:   betService,
		prices: prices,
		logger: logger,
		now:    time.Now,
	}
}

func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(h.requestLogger)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/bets/info", h.handleBetInfo).Methods(http.MethodGet)
	api.HandleFunc("/bets/open", h.handleOpenBets).Methods(http.MethodGet)
	api.HandleFunc("/bets/{ticker}/{direction}", h.handlePlaceBet).Methods(http.MethodPost)
	api.HandleFunc("/prices/{ticker}/current", h.handleCurrentPrice).Methods(http.MethodGet)
	api.HandleFunc("/prices/{ticker}/history", h.handlePriceHistory).Methods(http.MethodGet)
	api.HandleFunc("/users", h.handleCreateUser).Methods(http.MethodPost)
	api.HandleFunc("/users/me", h.handleCurrentUser).Methods(http.MethodGet)

	return router
}

func (h *Handler) handleBetInfo(w http.ResponseWriter, r *http.Request) {
	h.setResponse(w, http.StatusOK, h.bets.Info())
}

func (h *Handler) handleOpenBets(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromRequest(r)
	if err != nil {
		h.setErrorResponse(w, http.StatusUnauthorized, err)
		return
	}

	open, err := h.bets.OpenBets(r.Context(), userID)
	if err != nil {
		h.setErrorResponse(w, http.StatusInternalServerError, err)
		return
	}
	h.setResponse(w, http.StatusOK, open)
}

func (h *Handler) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromRequest(r)
	if err != nil {
		h.setErrorResponse(w, http.StatusUnauthorized, err)
		return
	}

	vars := mux.Vars(r)
	bet, err := h.bets.PlaceBet(r.Context(), userID, vars["ticker"], vars["direction"])
	if err != nil {
		h.setErrorResponse(w, statusFor(err), err)
		return
	}
	h.setResponse(w, http.StatusCreated, bet)
}

func (h *Handler) handleCurrentPrice(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	if !h.bets.Supported(ticker) {
		h.setErrorResponse(w, http.StatusNotFound, fmt.Errorf("%w: %s", bets.ErrUnsupportedTicker, ticker))
		return
	}

	candle, err := h.prices.GetPrice(r.Context(), ticker)
	if err != nil {
		h.setErrorResponse(w, statusFor(err), err)
		return
	}
	h.setResponse(w, http.StatusOK, candle)
}

func (h *Handler) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	if !h.bets.Supported(ticker) {
		h.setErrorResponse(w, http.StatusNotFound, fmt.Errorf("%w: %s", bets.ErrUnsupportedTicker, ticker))
		return
	}

	limit := maxHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxHistoryLimit {
			h.setErrorResponse(w, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and %d", maxHistoryLimit))
			return
		}
		limit = parsed
	}

	startAt := h.now().Add(-time.Duration(limit) * time.Second)
	candles, err := h.prices.GetRecentPrices(r.Context(), ticker, startAt)
	if err != nil {
		h.setErrorResponse(w, statusFor(err), err)
		return
	}
	h.setResponse(w, http.StatusOK, candles)
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.bets.CreateUser(r.Context())
	if err != nil {
		h.setErrorResponse(w, http.StatusInternalServerError, err)
		return
	}
	h.setResponse(w, http.StatusCreated, user)
}

func (h *Handler) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromRequest(r)
	if err != nil {
		h.setErrorResponse(w, http.StatusUnauthorized, err)
		return
	}

	user, err := h.bets.GetUser(r.Context(), userID)
	if err != nil {
		h.setErrorResponse(w, statusFor(err), err)
		return
	}
	h.setResponse(w, http.StatusOK, user)
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(requestHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		h.logger.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("HTTP request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *Handler) setResponse(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("Failed to write response")
	}
}

func (h *Handler) setErrorResponse(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).Error("Request failed")
	}
	h.setResponse(w, status, errorResponse{Error: err.Error()})
}

func userFromRequest(r *http.Request) (int64, error) {
	raw := r.Header.Get(userHeader)
	if raw == "" {
		return 0, errors.New("missing " + userHeader + " header")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s header", userHeader)
	}
	return id, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bets.ErrUnsupportedTicker), errors.Is(err, bets.ErrInvalidDirection):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrOpenBetExists):
		return http.StatusConflict
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, price.ErrNoPriceData):
		return http.StatusBadGateway
	}

	var upstream *binance.UpstreamError
	var conn *binance.ConnectionError
	if errors.As(err, &upstream) || errors.As(err, &conn) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/quizchain/internal/runs"
	"github.com/mohammad-safakhou/quizchain/internal/submission"
)

// ChainStarter launches a detached chain and returns its run ID.
type ChainStarter interface {
	Start(ctx context.Context, creds submission.Credentials, startURL string) (string, error)
}

// QuizRequest is the body of POST /quiz.
type QuizRequest struct {
	Email  string `json:"email"`
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// QuizResponse acknowledges an accepted request. It says nothing about the outcome.
type QuizResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	StartedAt string `json:"started_at"`
	Email     string `json:"email"`
	RunID     string `json:"run_id"`
}

// QuizHandler serves the quiz entry point and run lookups.
type QuizHandler struct {
	Chains ChainStarter
	Runs   runs.Store
	// Secret and Email are the expected caller credentials.
	Secret string
	Email  string
	Logger *log.Logger
	Now    func() time.Time
}

// Register mounts the quiz routes on e.
func (h *QuizHandler) Register(e *echo.Echo) {
	if h.Logger == nil {
		h.Logger = log.New(io.Discard, "", 0)
	}
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Runs == nil {
		h.Runs = runs.Discard{}
	}
	e.GET("/", h.health)
	e.GET("/health", h.health)
	e.POST("/quiz", h.quiz)
	e.GET("/runs/:id", h.run)
}

func (h *QuizHandler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":                 "ok",
		"quiz_agent_initialized": h.Chains != nil,
		"timestamp":              h.Now().UTC().Format(time.RFC3339),
	})
}

func (h *QuizHandler) quiz(c echo.Context) error {
	var req QuizRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	req.Email = strings.TrimSpace(req.Email)
	req.URL = strings.TrimSpace(req.URL)
	if req.Email == "" || req.Secret == "" || req.URL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email, secret and url are required")
	}
	if !strings.Contains(req.Email, "@") {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid email")
	}
	if !validTaskURL(req.URL) {
		return echo.NewHTTPError(http.StatusBadRequest, "url must be an absolute http(s) URL")
	}
	if h.Secret == "" || subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.Secret)) != 1 {
		h.Logger.Printf("rejected quiz request for %s: secret mismatch", req.Email)
		return echo.NewHTTPError(http.StatusForbidden, "invalid secret")
	}
	if h.Email != "" && !strings.EqualFold(req.Email, h.Email) {
		h.Logger.Printf("quiz request email %s differs from configured %s; continuing", req.Email, h.Email)
	}
	if h.Chains == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "quiz agent not initialized")
	}

	startedAt := h.Now().UTC()
	id, err := h.Chains.Start(c.Request().Context(), submission.Credentials{Email: req.Email, Secret: req.Secret}, req.URL)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	h.Logger.Printf("accepted quiz %s for %s as run %s", req.URL, req.Email, id)
	return c.JSON(http.StatusOK, QuizResponse{
		Status:    "accepted",
		Message:   "Quiz solving started in background",
		StartedAt: startedAt.Format(time.RFC3339),
		Email:     req.Email,
		RunID:     id,
	})
}

func (h *QuizHandler) run(c echo.Context) error {
	snap, err := h.Runs.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, runs.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, snap)
}

func validTaskURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

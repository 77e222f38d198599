package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/example/testsmith/internal/github"
	"github.com/example/testsmith/internal/model"
	"github.com/example/testsmith/internal/store"
)

var validate = validator.New()

type Server struct {
	Jobs        *store.SQLite
	GitHub      github.Client
	OAuth       *oauth2.Config // nil when the OAuth app is not configured
	FrontendURL string
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/suggestions", s.handleEnqueueSuggestions)
		r.Post("/code", s.handleEnqueueCode)
		r.Get("/{queueName}/stats", s.handleQueueStats)
		r.Get("/{queueName}/{jobID}", s.handleJobStatus)
	})

	r.Get("/auth/github", s.handleAuthRedirect)
	r.Get("/auth/github/callback", s.handleAuthCallback)

	r.Route("/api", func(r chi.Router) {
		r.Get("/repos", s.handleListRepos)
		r.Get("/repos/{owner}/{repo}/contents", s.handleListContents)
		r.Get("/repos/{owner}/{repo}/blobs/{sha}", s.handleGetBlob)
		r.Post("/pull-requests", s.handleCreatePullRequest)
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type suggestionsRequest struct {
	Files []model.SourceFile `json:"files" validate:"required,min=1,dive"`
}

type codeRequest struct {
	Files      []model.SourceFile `json:"files" validate:"required,min=1,dive"`
	Suggestion *model.Suggestion  `json:"suggestion" validate:"required"`
}

// handleEnqueueSuggestions accepts a test-suggestion analysis request and
// returns the job id immediately; it never waits for generation.
func (s Server) handleEnqueueSuggestions(w http.ResponseWriter, r *http.Request) {
	var req suggestionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("no files provided for analysis"))
		return
	}
	s.enqueue(w, r, model.QueueSuggestions, model.Payload{Files: req.Files})
}

// handleEnqueueCode accepts a test-code synthesis request for one previously
// selected suggestion.
func (s Server) handleEnqueueCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing files or suggestion for code generation"))
		return
	}
	s.enqueue(w, r, model.QueueCode, model.Payload{Files: req.Files, Suggestion: req.Suggestion})
}

func (s Server) enqueue(w http.ResponseWriter, r *http.Request, queue model.Queue, payload model.Payload) {
	job, err := s.Jobs.Enqueue(r.Context(), queue, payload)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("enqueue job: %w", err))
		return
	}
	log.Info().
		Str("component", "api").
		Str("queue", string(queue)).
		Str("job_id", job.ID).
		Int("files", len(payload.Files)).
		Msg("Job enqueued")
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID})
}

// handleJobStatus maps store state to the caller-visible contract: waiting and
// active both surface as "processing"; callers only need to know "not yet
// done".
func (s Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	queue, ok := model.ParseQueue(chi.URLParam(r, "queueName"))
	if !ok {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("unknown queue %q", chi.URLParam(r, "queueName")))
		return
	}
	job, err := s.Jobs.GetJob(r.Context(), queue, chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	switch job.State {
	case model.StateCompleted:
		writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "result": job.Result})
	case model.StateFailed:
		writeJSON(w, http.StatusOK, map[string]any{"status": "failed", "reason": job.FailureReason})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "processing"})
	}
}

// handleQueueStats reports per-state job counts for one queue, for
// operational visibility into backlog depth.
func (s Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	queue, ok := model.ParseQueue(chi.URLParam(r, "queueName"))
	if !ok {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("unknown queue %q", chi.URLParam(r, "queueName")))
		return
	}
	counts, err := s.Jobs.CountByState(r.Context(), queue)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": queue, "states": counts})
}

func (s Server) handleAuthRedirect(w http.ResponseWriter, r *http.Request) {
	if s.OAuth == nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("github oauth is not configured"))
		return
	}
	http.Redirect(w, r, s.OAuth.AuthCodeURL(""), http.StatusFound)
}

func (s Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.OAuth == nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("github oauth is not configured"))
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("authorization failed: no code received"))
		return
	}
	token, err := s.OAuth.Exchange(r.Context(), code)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("exchange code: %w", err))
		return
	}
	http.Redirect(w, r,
		s.FrontendURL+"?token="+url.QueryEscape(token.AccessToken),
		http.StatusFound)
}

func (s Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(w, r)
	if !ok {
		return
	}
	repos, err := s.GitHub.ListRepos(r.Context(), token)
	if err != nil {
		writeErr(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": repos})
}

func (s Server) handleListContents(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(w, r)
	if !ok {
		return
	}
	entries, err := s.GitHub.ListContents(r.Context(), token,
		chi.URLParam(r, "owner"), chi.URLParam(r, "repo"), r.URL.Query().Get("path"))
	if err != nil {
		writeErr(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": entries})
}

func (s Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(w, r)
	if !ok {
		return
	}
	content, err := s.GitHub.GetBlob(r.Context(), token,
		chi.URLParam(r, "owner"), chi.URLParam(r, "repo"), chi.URLParam(r, "sha"))
	if err != nil {
		writeErr(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content})
}

func (s Server) handleCreatePullRequest(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(w, r)
	if !ok {
		return
	}
	var in github.PullRequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := validate.Struct(in); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid pull request payload: %w", err))
		return
	}
	prURL, err := s.GitHub.CreatePullRequest(r.Context(), token, in)
	if err != nil {
		writeErr(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"url": prURL})
}

// bearerToken extracts the caller's token from the Authorization header,
// writing a 401 when absent.
func bearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		writeErr(w, http.StatusUnauthorized, fmt.Errorf("missing authorization token"))
		return "", false
	}
	return header[len(prefix):], true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gitwithintent/gwi/core"
	"github.com/gitwithintent/gwi/idempotency"
	"github.com/gitwithintent/gwi/orchestration"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP intake server",
	Long: `Serves the event intake surface:

  POST /webhooks/github   GitHub webhook deliveries (X-GitHub-Delivery key)
  POST /api/runs          direct API run starts (Idempotency-Key header)
  POST /slack/commands    Slack slash commands (team_id + trigger_id key)
  GET  /runs/{id}         run status
  GET  /health            liveness
  GET  /metrics           Prometheus metrics

Every intake path admits events through the idempotency layer, so redelivered
webhooks and retried API calls replay the original response instead of
starting a second run.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// server holds the intake handlers' shared dependencies.
type server struct {
	app  *app
	idem *idempotency.Service
}

// routes builds the intake router. Webhook and Slack intake derive their
// keys from source-specific fields inside the handlers, so only /api/runs
// rides the idempotency middleware.
func (s *server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(idempotency.Middleware(s.idem, idempotency.MiddlewareConfig{
		SkipPaths: []string{"/health", "/metrics", "/webhooks", "/slack"},
		Logger:    s.app.logger,
	}))
	r.Post("/webhooks/github", s.handleGitHubWebhook)
	r.Post("/api/runs", s.handleStartRun)
	r.Post("/slack/commands", s.handleSlackCommand)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := initTelemetry(ctx, cfg, a.logger)
	defer shutdownTelemetry(context.Background())

	s := &server{
		app:  a,
		idem: a.buildIdempotencyService(idempotency.NewMetrics(prometheus.DefaultRegisterer)),
	}
	if cfg.Idempotency.CleanupInterval > 0 {
		s.idem.StartCleanupLoop(ctx, cfg.Idempotency.CleanupInterval)
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      otelhttp.NewHandler(s.routes(), "gwi.http"),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", map[string]interface{}{
			"addr":    cfg.HTTP.Addr,
			"backend": cfg.Backend,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down HTTP server", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// startRun creates the run record, persists its execution job, and hands
// the job to the queue. The caller owns idempotency admission.
func (s *server) startRun(ctx context.Context, tenant string, trigger core.TriggerInfo) (*core.Run, error) {
	run := core.NewRun(tenant, core.RunTypeAutopilot, trigger)
	if err := s.app.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	job := core.NewJob(orchestration.JobTypeRunExecute, tenant, map[string]interface{}{
		"repository":   trigger.Repository,
		"issue_number": trigger.IssueNumber,
	})
	job.RunID = run.ID
	if s.app.cfg.Worker.MaxRetries > 0 {
		job.MaxRetries = s.app.cfg.Worker.MaxRetries
	}
	if err := s.app.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.app.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return run, nil
}

func runStartedResponse(run *core.Run) *idempotency.Response {
	body, _ := json.Marshal(map[string]interface{}{
		"run_id": run.ID,
		"status": run.Status,
		"type":   run.Type,
	})
	return idempotency.RunStarted(run.ID, http.StatusAccepted, body)
}

// githubEvent is the subset of a webhook payload intake cares about.
type githubEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number int `json:"number"`
	} `json:"issue"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

func (s *server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		httpError(w, http.StatusBadRequest, "missing_delivery_id", "X-GitHub-Delivery header is required")
		return
	}
	key, err := idempotency.GitHubKey(deliveryID)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_delivery_id", err.Error())
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, "unreadable_body", err.Error())
		return
	}
	var event githubEvent
	if err := json.Unmarshal(body, &event); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if event.Repository.FullName == "" {
		httpError(w, http.StatusBadRequest, "invalid_payload", "repository.full_name is required")
		return
	}

	tenant := tenantFromRequest(r)
	ctx := core.ContextWithRequestID(r.Context(), key.String())
	result, err := s.idem.Process(ctx, key, tenant, json.RawMessage(body), func(ctx context.Context) (*idempotency.Response, error) {
		run, err := s.startRun(ctx, tenant, core.TriggerInfo{
			Source:         core.SourceGitHubWebhook,
			Actor:          event.Sender.Login,
			Repository:     event.Repository.FullName,
			IssueNumber:    event.Issue.Number,
			IdempotencyKey: key.String(),
		})
		if err != nil {
			return nil, err
		}
		return runStartedResponse(run), nil
	})
	s.writeIntakeResult(w, key.String(), result, err)
}

// startRunRequest is the /api/runs body.
type startRunRequest struct {
	Repository  string `json:"repository"`
	IssueNumber int    `json:"issue_number"`
	Actor       string `json:"actor"`
}

// handleStartRun starts a run for a direct API caller. Idempotency is
// enforced by the middleware when the caller sends a key header.
func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if req.Repository == "" {
		httpError(w, http.StatusBadRequest, "invalid_payload", "repository is required")
		return
	}

	run, err := s.startRun(r.Context(), tenantFromRequest(r), core.TriggerInfo{
		Source:         core.SourceAPI,
		Actor:          req.Actor,
		Repository:     req.Repository,
		IssueNumber:    req.IssueNumber,
		IdempotencyKey: core.RequestIDFromContext(r.Context()),
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, "run_start_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id": run.ID,
		"status": run.Status,
		"type":   run.Type,
	})
}

// handleSlackCommand starts runs from "/gwi run <owner/repo> [issue]".
// Approval verbs need a signing key and happen through the CLI, so the
// handler answers them with the command to run instead.
func (s *server) handleSlackCommand(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}
	teamID := r.PostFormValue("team_id")
	triggerID := r.PostFormValue("trigger_id")
	text := strings.TrimSpace(r.PostFormValue("text"))
	if teamID == "" || triggerID == "" {
		httpError(w, http.StatusBadRequest, "invalid_form", "team_id and trigger_id are required")
		return
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		writeSlackMessage(w, "Usage: /gwi run <owner/repo> [issue-number]")
		return
	}
	switch fields[0] {
	case "approve", "deny", "revoke":
		writeSlackMessage(w, fmt.Sprintf(
			"Approvals are signed locally. Run: gwi approval %s %s --key <key-id> ...",
			fields[0], strings.Join(fields[1:], " ")))
		return
	case "run":
	default:
		writeSlackMessage(w, fmt.Sprintf("Unknown command %q. Usage: /gwi run <owner/repo> [issue-number]", fields[0]))
		return
	}
	if len(fields) < 2 || !strings.Contains(fields[1], "/") {
		writeSlackMessage(w, "Usage: /gwi run <owner/repo> [issue-number]")
		return
	}
	repository := fields[1]
	issue := 0
	if len(fields) > 2 {
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			writeSlackMessage(w, fmt.Sprintf("%q is not an issue number", fields[2]))
			return
		}
		issue = n
	}

	key, err := idempotency.SlackKey(teamID, triggerID)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_trigger", err.Error())
		return
	}
	tenant := tenantFromRequest(r)
	ctx := core.ContextWithRequestID(r.Context(), key.String())
	result, err := s.idem.Process(ctx, key, tenant, text, func(ctx context.Context) (*idempotency.Response, error) {
		run, err := s.startRun(ctx, tenant, core.TriggerInfo{
			Source:         core.SourceSlack,
			Actor:          r.PostFormValue("user_name"),
			Repository:     repository,
			IssueNumber:    issue,
			IdempotencyKey: key.String(),
		})
		if err != nil {
			return nil, err
		}
		return idempotency.MessageResponse(fmt.Sprintf("Started run %s for %s", run.ID, repository)), nil
	})
	s.writeIntakeResult(w, key.String(), result, err)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.app.runs.Get(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, core.ErrRunNotFound) {
			httpError(w, http.StatusNotFound, "run_not_found", err.Error())
			return
		}
		httpError(w, http.StatusInternalServerError, "run_lookup_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.app.cfg.Backend,
	})
}

// writeIntakeResult translates a Process outcome into the HTTP surface:
// fresh handler output, a replayed duplicate, or a processing conflict.
func (s *server) writeIntakeResult(w http.ResponseWriter, key string, result *idempotency.ProcessResult, err error) {
	if err != nil {
		if pe, ok := idempotency.AsProcessing(err); ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(pe.RetryAfter.Seconds())))
			httpError(w, http.StatusConflict, "request_in_progress",
				"a delivery with this idempotency key is still being processed")
			return
		}
		if errors.Is(err, idempotency.ErrPayloadMismatch) {
			httpError(w, http.StatusUnprocessableEntity, "payload_mismatch", err.Error())
			return
		}
		httpError(w, http.StatusInternalServerError, "intake_failed", err.Error())
		return
	}

	w.Header().Set("X-Idempotency-Key", key)
	if !result.Processed {
		w.Header().Set("X-Idempotency-Replayed", "true")
	}

	resp := result.Response
	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	switch resp.Kind {
	case idempotency.ResponseRunStarted:
		w.Header().Set("Content-Type", "application/json")
		if resp.StatusCode > 0 {
			w.WriteHeader(resp.StatusCode)
		} else {
			w.WriteHeader(http.StatusAccepted)
		}
		_, _ = w.Write(resp.Body)
	case idempotency.ResponseError:
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusBadRequest
		}
		httpError(w, status, "replayed_error", resp.Message)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(resp.Message))
	}
}

func writeSlackMessage(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func tenantFromRequest(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

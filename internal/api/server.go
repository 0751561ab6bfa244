package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ari3lYT/p2pnet/internal/bootstrap"
	"github.com/ari3lYT/p2pnet/internal/observability"
	"github.com/ari3lYT/p2pnet/internal/policy"
	"github.com/ari3lYT/p2pnet/internal/task"
	"github.com/ari3lYT/p2pnet/pkg/p2papi"
)

const maxTaskBody = 8 << 20

type Server struct {
	node    *bootstrap.Node
	limiter *submitLimiter
}

func NewServer(n *bootstrap.Node) *Server {
	s := &Server{node: n}
	s.limiter = newSubmitLimiter(n.Config.SubmitRatePerMinute, n.Config.SubmitBurst, s.ownerRate)
	return s
}

func (s *Server) ownerRate(owner string) (float64, bool) {
	return s.node.Policy.SubmitRate(owner)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/node", s.handleNodeStatus)
	mux.HandleFunc("/v1/scheduler/jobs", s.handleSchedulerJobs)
	mux.HandleFunc("/v1/tasks", s.handleTasks)
	return withTracing(withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node_id": s.node.Mesh.ID()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.node.Metrics.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.node.Metrics.RenderPrometheus()))
}

func (s *Server) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.node.Mesh.Status())
}

func (s *Server) handleSchedulerJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	events := s.node.Mesh.State().Events()
	if taskID := strings.TrimSpace(r.URL.Query().Get("task_id")); taskID != "" {
		filtered := events[:0]
		for _, e := range events {
			if e.TaskID == taskID {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	counts := map[string]int{}
	for st, c := range s.node.Mesh.State().StatusCounters() {
		counts[string(st)] = c
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": events, "counts": counts})
}

// handleTasks runs a submitted task to completion. JSON is the default
// encoding; YAML is accepted with a yaml content type.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTaskBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	t, err := decodeTask(r.Header.Get("Content-Type"), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if wait, ok := s.limiter.allow(t.Owner, time.Now()); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "submit rate limit exceeded")
		return
	}
	rep, uri, err := s.node.Submit(r.Context(), t)
	if errors.Is(err, task.ErrInvalidTask) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var denied *policy.DeniedError
	if errors.As(err, &denied) {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":       err.Error(),
			"reason_code": denied.Decision.ReasonCode,
			"rule":        denied.Decision.Rule,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p2papi.SubmitTaskResponse{
		TaskID:      rep.TaskID,
		Status:      string(rep.Status),
		Success:     rep.Success,
		Result:      rep.Result,
		Error:       rep.Error,
		ArtifactURI: uri,
	})
}

func decodeTask(contentType string, body []byte) (*task.Task, error) {
	if strings.Contains(strings.ToLower(contentType), "yaml") {
		return task.DecodeYAML(body)
	}
	t := &task.Task{}
	if err := json.Unmarshal(body, t); err != nil {
		return nil, err
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("component", "api").Str("method", r.Method).Str("path", r.URL.Path).
			Dur("duration", time.Since(started)).Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		if sc := span.SpanContext(); sc.HasTraceID() {
			sw.Header().Set("X-Trace-ID", sc.TraceID().String())
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}

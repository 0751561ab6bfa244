package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ari3lYT/p2pnet/internal/bootstrap"
	"github.com/ari3lYT/p2pnet/internal/config"
	"github.com/ari3lYT/p2pnet/internal/policy"
	"github.com/ari3lYT/p2pnet/internal/transport"
	"github.com/ari3lYT/p2pnet/pkg/p2papi"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	mesh := transport.NewMemory()
	t.Cleanup(mesh.Close)
	cfg := config.FromEnv()
	cfg.NodeID = "solo"
	cfg.ArtifactBackend = "local"
	cfg.ArtifactRoot = t.TempDir()
	cfg.SandboxRoot = t.TempDir()
	n, err := bootstrap.New(cfg, mesh)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	srv := NewServer(n)
	return srv, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(t)
	rr := do(t, h, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"solo"`) {
		t.Fatalf("unexpected health response %d %s", rr.Code, rr.Body.String())
	}
}

func TestSubmitJSONTask(t *testing.T) {
	_, h := newTestServer(t)
	body := []byte(`{"task_id":"t-json","type":"range_reduce","owner_id":"alice",
		"range_reduce":{"start":1,"end":6,"operation":"sum","chunk_size":2}}`)
	rr := do(t, h, http.MethodPost, "/v1/tasks", "application/json", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	var resp p2papi.SubmitTaskResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Result != float64(15) || resp.ArtifactURI != "artifact://t-json/output.json" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSubmitYAMLTask(t *testing.T) {
	_, h := newTestServer(t)
	body := []byte(`
type: map
owner_id: bob
map:
  data: [1, 2, 3]
  function: square
`)
	rr := do(t, h, http.MethodPost, "/v1/tasks", "application/yaml", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	var resp p2papi.SubmitTaskResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.TaskID == "" || !resp.Success {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSubmitInvalidTask(t *testing.T) {
	_, h := newTestServer(t)
	body := []byte(`{"type":"range_reduce","owner_id":"alice","range_reduce":{"start":5,"end":1,"operation":"sum"}}`)
	rr := do(t, h, http.MethodPost, "/v1/tasks", "application/json", body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, h, http.MethodPost, "/v1/tasks", "application/json", []byte(`{`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/v1/tasks", "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	srv, h := newTestServer(t)
	srv.limiter = newSubmitLimiter(1, 1, nil)
	body := []byte(`{"type":"map","owner_id":"carol","map":{"data":[1],"function":"square"}}`)
	if rr := do(t, h, http.MethodPost, "/v1/tasks", "application/json", body); rr.Code != http.StatusOK {
		t.Fatalf("first submit: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodPost, "/v1/tasks", "application/json", body); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestSubmitDeniedByPolicy(t *testing.T) {
	srv, h := newTestServer(t)
	srv.node.Policy = policy.NewFromConfig(policy.Config{
		Rules: []policy.Rule{{
			Name:   "no-high-priority",
			Effect: "deny",
			Reason: "priority_not_allowed",
			Match:  policy.RuleMatch{Owner: "dave", Priority: "high"},
		}},
	})
	denied := []byte(`{"type":"map","owner_id":"dave","config":{"priority":"high"},"map":{"data":[1],"function":"square"}}`)
	rr := do(t, h, http.MethodPost, "/v1/tasks", "application/json", denied)
	if rr.Code != http.StatusForbidden || !strings.Contains(rr.Body.String(), "priority_not_allowed") {
		t.Fatalf("expected 403 with reason, got %d %s", rr.Code, rr.Body.String())
	}
	allowed := []byte(`{"type":"map","owner_id":"dave","map":{"data":[1],"function":"square"}}`)
	if rr := do(t, h, http.MethodPost, "/v1/tasks", "application/json", allowed); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for normal priority, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestSchedulerJobsAndMetrics(t *testing.T) {
	_, h := newTestServer(t)
	rr := do(t, h, http.MethodGet, "/v1/scheduler/jobs?task_id=none", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"jobs"`) {
		t.Fatalf("unexpected jobs response %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, h, http.MethodGet, "/v1/node", "", nil)
	var status p2papi.NodeStatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil || status.NodeID != "solo" {
		t.Fatalf("unexpected node status %s (%v)", rr.Body.String(), err)
	}
	rr = do(t, h, http.MethodGet, "/v1/metrics/prometheus", "", nil)
	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected prometheus response %d", rr.Code)
	}
}

func TestSubmitLimiterRefills(t *testing.T) {
	l := newSubmitLimiter(60, 2, nil)
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 2; i++ {
		if _, ok := l.allow("a", now); !ok {
			t.Fatalf("submission %d within burst should pass", i+1)
		}
	}
	wait, ok := l.allow("a", now)
	if ok || wait != time.Second {
		t.Fatalf("expected one second wait after burst, got %s %v", wait, ok)
	}
	if _, ok := l.allow("b", now); !ok {
		t.Fatalf("other owners are independent")
	}
	if _, ok := l.allow("a", now.Add(time.Second)); !ok {
		t.Fatalf("bucket should refill at one token per second")
	}
	if _, ok := newSubmitLimiter(0, 1, nil).allow("a", now); !ok {
		t.Fatalf("zero rate disables limiting")
	}
}

func TestSubmitLimiterUsesPolicyQuota(t *testing.T) {
	srv, h := newTestServer(t)
	srv.node.Policy = policy.NewFromConfig(policy.Config{
		OwnerQuotas: map[string]policy.OwnerQuota{"erin": {SubmitsPerMinute: 1}},
	})
	srv.limiter = newSubmitLimiter(0, 1, srv.ownerRate)
	body := []byte(`{"type":"map","owner_id":"erin","map":{"data":[1],"function":"square"}}`)
	if rr := do(t, h, http.MethodPost, "/v1/tasks", "application/json", body); rr.Code != http.StatusOK {
		t.Fatalf("first submit: %d %s", rr.Code, rr.Body.String())
	}
	rr := do(t, h, http.MethodPost, "/v1/tasks", "application/json", body)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d %v", rr.Code, rr.Header())
	}
	other := []byte(`{"type":"map","owner_id":"frank","map":{"data":[1],"function":"square"}}`)
	if rr := do(t, h, http.MethodPost, "/v1/tasks", "application/json", other); rr.Code != http.StatusOK {
		t.Fatalf("owners without a quota use the node default, got %d", rr.Code)
	}
}

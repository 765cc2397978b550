package httpapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"branchchat/backend/internal/config"
	"branchchat/backend/internal/db/dbtest"
	"branchchat/backend/internal/metrics"

	"github.com/rs/zerolog"
)

func TestRouterServesTreeRoutesAndMetrics(t *testing.T) {
	db := dbtest.Open(t)
	cfg := config.Config{
		AuthRequired:           false,
		SessionCookieName:      "chat_session",
		SessionTTL:             time.Hour,
		OpenRouterDefaultModel: "openrouter/free",
		ThreadMaxDepth:         100,
		BranchPreviewRunes:     100,
		MutationRatePerSecond:  100,
		MutationBurst:          100,
		CompletionTimeout:      time.Second,
		AllowedOrigins:         []string{"http://localhost:5173"},
	}
	server := httptest.NewServer(NewRouter(cfg, db, zerolog.Nop(), metrics.New()))
	t.Cleanup(server.Close)

	do := func(method, path, body string) (int, string) {
		t.Helper()
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequest(method, server.URL+path, reader)
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		resp, err := server.Client().Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(raw)
	}

	if code, _ := do(http.MethodGet, "/healthz", ""); code != http.StatusOK {
		t.Fatalf("healthz: expected %d, got %d", http.StatusOK, code)
	}

	code, body := do(http.MethodPost, "/v1/conversations", `{"title":"Routed"}`)
	if code != http.StatusCreated {
		t.Fatalf("create conversation: expected %d, got %d (%s)", http.StatusCreated, code, body)
	}
	id := between(body, `"id":"`, `"`)

	if code, body := do(http.MethodPost, "/v1/conversations/"+id+"/messages", `{"content":"hello"}`); code != http.StatusCreated {
		t.Fatalf("send: expected %d, got %d (%s)", http.StatusCreated, code, body)
	}
	if code, body := do(http.MethodGet, "/v1/conversations/"+id+"/branches", ""); code != http.StatusOK || !strings.Contains(body, `"branches":[]`) {
		t.Fatalf("branches: unexpected %d (%s)", code, body)
	}
	if code, _ := do(http.MethodGet, "/v1/messages/missing/thread", ""); code != http.StatusNotFound {
		t.Fatalf("thread of missing message: expected %d, got %d", http.StatusNotFound, code)
	}

	_, metricsBody := do(http.MethodGet, "/metrics", "")
	for _, want := range []string{"branchchat_http_requests_total", `branchchat_tree_operations_total{op="append_message",result="ok"} 1`} {
		if !strings.Contains(metricsBody, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func between(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	s = s[i+len(start):]
	j := strings.Index(s, end)
	if j < 0 {
		return ""
	}
	return s[:j]
}

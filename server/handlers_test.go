package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenscan/warden/config"
	"github.com/wardenscan/warden/errors"
	"github.com/wardenscan/warden/scan"
)

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		Port:           0,
		AllowedOrigins: []string{"http://localhost"},
	}
}

func testPolicy() scan.Policy {
	return scan.Policy{
		AllowedSchemes:            []string{"http", "https"},
		DeniedInstructionPatterns: []string{"sudo"},
		MaxInstructionsLength:     5000,
		RepoHostPatterns:          []string{`^https://github\.com/[\w\-\.]+/[\w\-\.]+/?$`},
		RateLimitRequests:         20,
		RateLimitWindow:           5 * time.Minute,
	}
}

// scriptedAgent plays a fixed scan: progress, one finding, then a summary.
var scriptedAgent = scan.AgentFunc(func(ctx context.Context, req scan.ScanRequest, emit scan.Emitter) (string, error) {
	emit.Progress("scanning")
	emit.Vulnerability(scan.Finding{ReportID: "V-1", Title: "XSS in /search", Severity: "medium"})
	return "done", nil
})

func newTestServer(t *testing.T, agent scan.Agent) *Server {
	t.Helper()
	svc, err := scan.NewService(testPolicy(), agent, 0)
	require.NoError(t, err)
	svc.Validator().SetLookup(func(_ context.Context, host string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil
	})
	srv := New(svc, testConfig())
	t.Cleanup(func() { require.NoError(t, srv.Stop()) })
	return srv
}

func createScan(t *testing.T, ts *httptest.Server, body string) scan.Job {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/scans", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var job scan.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	return job
}

func awaitJobStatus(t *testing.T, ts *httptest.Server, id string, want scan.Status) scan.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var job scan.Job
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/api/scans/" + id)
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
		resp.Body.Close()
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("scan %s stuck in %s, wanted %s", id, job.Status, want)
	return job
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t, scriptedAgent)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestCreateAndGetScan(t *testing.T) {
	srv := newTestServer(t, scriptedAgent)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	job := createScan(t, ts, `{"target":"https://example.test","instructions":"focus on login"}`)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, scan.StatusCreated, job.Status)
	assert.Equal(t, "https://example.test", job.Target)

	resp, err := http.Get(ts.URL + "/api/scans/" + job.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched scan.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fetched))
	assert.Equal(t, job.ID, fetched.ID)
	assert.Equal(t, "focus on login", fetched.Instructions)
}

func TestCreateScanRejections(t *testing.T) {
	srv := newTestServer(t, scriptedAgent)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"bad scheme", `{"target":"ftp://example.test"}`, http.StatusBadRequest},
		{"missing target", `{}`, http.StatusBadRequest},
		{"loopback target", `{"target":"http://127.0.0.1:8080"}`, http.StatusForbidden},
		{"private target", `{"target":"http://192.168.1.10"}`, http.StatusForbidden},
		{"unsafe instructions", `{"target":"https://example.test","instructions":"run sudo"}`, http.StatusBadRequest},
		{"bad repo", `{"target":"https://example.test","repo_url":"https://evil.example/a/b"}`, http.StatusBadRequest},
		{"malformed body", `{"target":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/scans", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestCreateScanRateLimited(t *testing.T) {
	srv := newTestServer(t, scriptedAgent)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	body := `{"target":"https://example.test"}`
	client := &http.Client{}
	for i := 0; i < 20; i++ {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/scans", strings.NewReader(body))
		req.Header.Set("X-Forwarded-For", "203.0.113.7")
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode, "request %d", i+1)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/scans", strings.NewReader(body))
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// A different caller still gets through.
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/api/scans", strings.NewReader(body))
	req.Header.Set("X-Forwarded-For", "203.0.113.99")
	resp2, err := client.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusCreated, resp2.StatusCode)
}

func TestStartAndCompleteScan(t *testing.T) {
	srv := newTestServer(t, scriptedAgent)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	job := createScan(t, ts, `{"target":"https://example.test"}`)

	resp, err := http.Post(ts.URL+"/api/scans/"+job.ID+"/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	final := awaitJobStatus(t, ts, job.ID, scan.StatusCompleted)
	assert.Equal(t, "done", final.Summary)
	require.Len(t, final.Findings, 1)
	assert.Equal(t, "XSS in /search", final.Findings[0].Title)

	// Starting again conflicts.
	resp, err = http.Post(ts.URL+"/api/scans/"+job.ID+"/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelScan(t *testing.T) {
	started := make(chan struct{})
	blocking := scan.AgentFunc(func(ctx context.Context, req scan.ScanRequest, emit scan.Emitter) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	srv := newTestServer(t, blocking)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	job := createScan(t, ts, `{"target":"https://example.test"}`)

	resp, err := http.Post(ts.URL+"/api/scans/"+job.ID+"/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	<-started

	resp, err = http.Post(ts.URL+"/api/scans/"+job.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	final := awaitJobStatus(t, ts, job.ID, scan.StatusCancelled)
	assert.Empty(t, final.Summary)
	assert.Empty(t, final.FailureReason)

	// Cancelling a settled scan conflicts.
	resp, err = http.Post(ts.URL+"/api/scans/"+job.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestScanNotFound(t *testing.T) {
	srv := newTestServer(t, scriptedAgent)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/scans/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/scans/nope/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListScans(t *testing.T) {
	srv := newTestServer(t, scriptedAgent)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	for i := 0; i < 3; i++ {
		createScan(t, ts, `{"target":"https://example.test"}`)
	}

	resp, err := http.Get(ts.URL + "/api/scans")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Scans []scan.Job `json:"scans"`
		Count int        `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 3, body.Count)
	assert.Len(t, body.Scans, 3)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, scriptedAgent)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/scans", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t, scriptedAgent)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	srv := newTestServer(t, scriptedAgent)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestOriginAllowedRejectsPrefixSharingHosts(t *testing.T) {
	srv := newTestServer(t, scriptedAgent)

	assert.True(t, srv.originAllowed("http://localhost"))
	assert.True(t, srv.originAllowed("http://localhost:3000"))

	// Foreign hosts that share the allowed entry as a string prefix.
	assert.False(t, srv.originAllowed("http://localhost.evil.example"))
	assert.False(t, srv.originAllowed("http://localhostevil.example"))
	assert.False(t, srv.originAllowed("http://localhost.evil.example:3000"))

	r := httptest.NewRequest(http.MethodGet, "/ws/scans/abc", nil)
	r.Header.Set("Origin", "http://localhostevil.example")
	assert.False(t, srv.checkOrigin(r))
	r.Header.Set("Origin", "http://localhost:8080")
	assert.True(t, srv.checkOrigin(r))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.4:51234"
	assert.Equal(t, "198.51.100.4", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 198.51.100.4")
	assert.Equal(t, "203.0.113.7", clientIP(r))
}

func TestBodyParsingError(t *testing.T) {
	srv := newTestServer(t, scriptedAgent)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/scans", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, strings.HasPrefix(body["error"], "Invalid request body"), fmt.Sprintf("got %q", body["error"]))
}

func TestReadJSONMarksInvalidRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/scans", strings.NewReader("{"))
	w := httptest.NewRecorder()

	var v map[string]any
	err := readJSON(w, r, &v)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Equal(t, http.StatusBadRequest, statusForError(err))
}

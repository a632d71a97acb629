package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]string
}

type fakeDaemon struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	body     string
}

func (f *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Auth: r.Header.Get("Authorization")}
	if r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.Body)
		}
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	status, body := f.status, f.body
	f.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (f *fakeDaemon) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatalf("no request recorded")
	}
	return f.requests[len(f.requests)-1]
}

func runCLI(t *testing.T, daemon *fakeDaemon, args ...string) (int, string, string) {
	t.Helper()
	srv := httptest.NewServer(daemon)
	t.Cleanup(srv.Close)
	var stdout, stderr bytes.Buffer
	full := append([]string{"--endpoint", srv.URL}, args...)
	code := run(context.Background(), full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestPoolRendersGroupedAmounts(t *testing.T) {
	daemon := &fakeDaemon{body: `{"p":"0.9","scale":0,"epoch":1,"totalDeposits":"1234567.5","totalCollateral":"30","totalTokenIssued":"0"}`}
	code, out, errOut := runCLI(t, daemon, "pool")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "1,234,567.5") {
		t.Fatalf("expected grouped deposits, got %q", out)
	}
	if !strings.Contains(out, "Epoch:") || !strings.Contains(out, "1\n") {
		t.Fatalf("expected epoch row, got %q", out)
	}
	req := daemon.last(t)
	if req.Method != http.MethodGet || req.Path != "/v1/pool" || req.Auth != "" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestJSONFlagPrintsRawResponse(t *testing.T) {
	daemon := &fakeDaemon{body: `{"epoch":0,"scale":0,"s":"10","g":"0"}`}
	code, out, _ := runCLI(t, daemon, "--json", "sums", "0", "0")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, out)
	}
	if decoded["s"] != "10" {
		t.Fatalf("unexpected body %v", decoded)
	}
	if req := daemon.last(t); req.Path != "/v1/pool/sums/0/0" {
		t.Fatalf("unexpected path %s", req.Path)
	}
}

func TestDepositSendsTokenAndFrontEnd(t *testing.T) {
	t.Setenv(defaultTokenEnv, "ops-secret")
	daemon := &fakeDaemon{body: `{"depositor":"cdp1x","deposit":"100","withdrawn":"0","loss":"0","collateralGain":"0","tokenGain":"0","frontEndTokenGain":"0","frontEndStake":"100","frontEnd":"cdp1f"}`}
	code, out, errOut := runCLI(t, daemon, "deposit", "--frontend", "cdp1f", "cdp1x", "100")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	req := daemon.last(t)
	if req.Method != http.MethodPost || req.Path != "/v1/deposits" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Auth != "Bearer ops-secret" {
		t.Fatalf("unexpected auth header %q", req.Auth)
	}
	if req.Body["depositor"] != "cdp1x" || req.Body["amount"] != "100" || req.Body["frontEnd"] != "cdp1f" {
		t.Fatalf("unexpected body %v", req.Body)
	}
	if !strings.Contains(out, "Front end stake:") {
		t.Fatalf("expected receipt output, got %q", out)
	}
}

func TestWithdrawAndOffsetPayloads(t *testing.T) {
	t.Setenv(defaultTokenEnv, "ops-secret")
	daemon := &fakeDaemon{body: `{}`}
	if code, _, errOut := runCLI(t, daemon, "withdraw", "cdp1x", "max"); code != 0 {
		t.Fatalf("withdraw exit %d: %s", code, errOut)
	}
	if req := daemon.last(t); req.Path != "/v1/withdrawals" || req.Body["amount"] != "max" {
		t.Fatalf("unexpected withdraw request %+v", req)
	}
	if code, _, errOut := runCLI(t, daemon, "offset", "300", "30"); code != 0 {
		t.Fatalf("offset exit %d: %s", code, errOut)
	}
	if req := daemon.last(t); req.Path != "/v1/offsets" || req.Body["debt"] != "300" || req.Body["collateral"] != "30" {
		t.Fatalf("unexpected offset request %+v", req)
	}
}

func TestAPIErrorsSurface(t *testing.T) {
	t.Setenv(defaultTokenEnv, "ops-secret")
	daemon := &fakeDaemon{status: http.StatusUnprocessableEntity, body: `{"error":"stability pool: user must have a non-zero deposit"}`}
	code, _, errOut := runCLI(t, daemon, "claim-to-position", "cdp1x")
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut, "422") || !strings.Contains(errOut, "non-zero deposit") {
		t.Fatalf("unexpected stderr %q", errOut)
	}
}

func TestEventsQueryAndTable(t *testing.T) {
	created := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
	daemon := &fakeDaemon{body: `{"events":[{"sequence":7,"type":"stability.offset","attributes":{},"createdAt":"` + created + `"}]}`}
	code, out, errOut := runCLI(t, daemon, "events", "--type", "stability.offset", "--after", "6", "--limit", "5")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	req := daemon.last(t)
	if req.Query != "after=6&limit=5&type=stability.offset" {
		t.Fatalf("unexpected query %q", req.Query)
	}
	if !strings.Contains(out, "stability.offset") || !strings.Contains(out, "2 hours ago") {
		t.Fatalf("unexpected table %q", out)
	}
}

func TestUsageErrors(t *testing.T) {
	daemon := &fakeDaemon{body: `{}`}
	if code, _, errOut := runCLI(t, daemon, "withdraw", "cdp1x"); code != 2 || !strings.Contains(errOut, "Usage: spctl withdraw") {
		t.Fatalf("expected usage error, got %d %q", code, errOut)
	}
	if code, _, errOut := runCLI(t, daemon, "bogus"); code != 2 || !strings.Contains(errOut, "unknown command") {
		t.Fatalf("expected unknown command, got %d %q", code, errOut)
	}
	if code, _, _ := runCLI(t, daemon, "sums", "a", "0"); code != 2 {
		t.Fatalf("expected usage error for non-numeric epoch, got %d", code)
	}
}

func TestFormatAmount(t *testing.T) {
	cases := map[string]string{
		"0":              "0",
		"1000":           "1,000",
		"1234567.891":    "1,234,567.891",
		"not-a-number":   "not-a-number",
		"99999999999999": "99,999,999,999,999",
	}
	for in, want := range cases {
		if got := formatAmount(in); got != want {
			t.Fatalf("formatAmount(%q) = %q, want %q", in, got, want)
		}
	}
}

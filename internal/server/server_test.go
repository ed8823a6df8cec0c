package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/shelfwise/auditchain/internal/audit"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *audit.Log) {
	t.Helper()
	l, err := audit.Open(audit.Options{
		Dir:        t.TempDir(),
		Classifier: audit.ClassifierFunc(func(*audit.Entry) bool { return false }),
	})
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	s := New(Options{Log: l, Version: "test"})
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown(context.Background())
		l.Close()
	})
	return s, ts, l
}

func postEvent(t *testing.T, baseURL, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/v1/events", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestRecordEvent(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp := postEvent(t, ts.URL,
		`{"event_type":"document_viewed","severity":"low","details":{"doc":"d1","pages":3},"user_id":"u1"}`,
		map[string]string{"Authorization": "Bearer abc", "X-Request-Id": "r-1"},
	)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var e audit.Entry
	decodeBody(t, resp, &e)
	if e.Sequence != 1 || e.EventType != "document_viewed" || e.UserID != "u1" {
		t.Errorf("entry = %+v", e)
	}
	if e.RequestInfo == nil {
		t.Fatal("request info should be captured")
	}
	if e.RequestInfo.Method != http.MethodPost || e.RequestInfo.IP == "" {
		t.Errorf("request info = %+v", e.RequestInfo)
	}
	if got := e.RequestInfo.Headers["Authorization"]; got != audit.RedactedValue {
		t.Errorf("Authorization = %q, want redacted", got)
	}
	if got := e.RequestInfo.Headers["X-Request-Id"]; got != "r-1" {
		t.Errorf("X-Request-Id = %q", got)
	}
}

func TestRecordEvent_Errors(t *testing.T) {
	_, ts, l := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"event_type":`, http.StatusBadRequest},
		{"missing event type", `{"severity":"low"}`, http.StatusBadRequest},
		{"bad severity", `{"event_type":"x","severity":"urgent"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postEvent(t, ts.URL, tt.body, nil)
			var body errorResponse
			decodeBody(t, resp, &body)
			if resp.StatusCode != tt.want || body.Code != tt.want || body.Error == "" {
				t.Errorf("status = %d, body = %+v; want %d", resp.StatusCode, body, tt.want)
			}
		})
	}
	if l.ChainState().Sequence != 0 {
		t.Error("rejected events must not advance the chain")
	}
}

func TestEntriesAndVerify(t *testing.T) {
	_, ts, l := newTestServer(t)
	ctx := context.Background()
	for _, u := range []string{"u1", "u2", "u1"} {
		if _, err := l.Record(ctx, audit.RecordInput{EventType: "login", Severity: audit.SeverityLow, UserID: u}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 3},
		{"by user", "?user_id=u1", 2},
		{"by type", "?event_type=logout", 0},
		{"limit", "?limit=1", 1},
		{"relative start", "?start=1h&source=log", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/api/v1/entries" + tt.query)
			if err != nil {
				t.Fatal(err)
			}
			var body struct {
				Entries []*audit.Entry `json:"entries"`
			}
			decodeBody(t, resp, &body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if len(body.Entries) != tt.want {
				t.Errorf("got %d entries, want %d", len(body.Entries), tt.want)
			}
		})
	}

	t.Run("limit keeps newest", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/entries?limit=1")
		if err != nil {
			t.Fatal(err)
		}
		var body struct {
			Entries []*audit.Entry `json:"entries"`
		}
		decodeBody(t, resp, &body)
		if len(body.Entries) != 1 || body.Entries[0].Sequence != 3 {
			t.Errorf("limit=1 returned %+v", body.Entries)
		}
	})

	t.Run("bad range", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/entries?start=yesterday")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("verify", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/verify")
		if err != nil {
			t.Fatal(err)
		}
		var vr audit.VerificationResult
		decodeBody(t, resp, &vr)
		if !vr.Verified || vr.TotalEntries != 3 || vr.VerifiedEntries != 3 {
			t.Errorf("verification = %+v", vr)
		}
	})
}

func TestReport(t *testing.T) {
	_, ts, l := newTestServer(t)
	if _, err := l.Record(context.Background(), audit.RecordInput{EventType: "export", Severity: audit.SeverityHigh, UserID: "u1"}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/api/v1/report?start=1h&format=csv")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}
	rows, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, row := range rows {
		if strings.Join(row, ",") == "user,u1,event_count,1" {
			found = true
		}
	}
	if !found {
		t.Errorf("user row missing from %v", rows)
	}

	bad, err := http.Get(ts.URL + "/api/v1/report?format=docx")
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown format status = %d, want 400", bad.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]any
	decodeBody(t, resp, &health)
	if resp.StatusCode != http.StatusOK || health["status"] != "ready" {
		t.Errorf("health = %d %v", resp.StatusCode, health)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "audit_chain_sequence") {
		t.Error("metrics should expose audit_chain_sequence")
	}
}

func TestStream(t *testing.T) {
	_, ts, l := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msgs := make(chan []byte, 16)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				close(msgs)
				return
			}
			msgs <- msg
		}
	}()

	// Registration is asynchronous; record until the feed delivers.
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				t.Fatal("stream closed")
			}
			var e audit.Entry
			if err := json.Unmarshal(msg, &e); err != nil {
				t.Fatalf("stream message: %v", err)
			}
			if e.EventType != "streamed" {
				t.Errorf("event type = %q", e.EventType)
			}
			return
		case <-ticker.C:
			if _, err := l.Record(context.Background(), audit.RecordInput{EventType: "streamed", Severity: audit.SeverityLow}); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no stream message before timeout")
		}
	}
}

func TestBroadcastWithholdsSensitiveDetails(t *testing.T) {
	// A hub that is not running keeps what is queued for inspection.
	s := &Server{hub: newWSHub()}

	s.broadcastEntry(&audit.Entry{Sequence: 7, EventType: "login_failure", Encrypted: true, Details: map[string]any{"password": "hunter2"}})
	msg := <-s.hub.broadcastCh
	if bytes.Contains(msg, []byte("hunter2")) {
		t.Errorf("sensitive details leaked to the stream: %s", msg)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{audit.ErrInvalidEvent, http.StatusBadRequest},
		{audit.ErrInvalidSeverity, http.StatusBadRequest},
		{audit.ErrInvalidRange, http.StatusBadRequest},
		{audit.ErrServiceNotInitialized, http.StatusServiceUnavailable},
		{audit.ErrDurableWriteFailed, http.StatusInternalServerError},
		{audit.ErrChainStateCorrupted, http.StatusInternalServerError},
		{context.Canceled, http.StatusRequestTimeout},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

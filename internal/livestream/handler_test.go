package livestream

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callstream-gateway/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

func newTestHandler(t *testing.T) (*Handler, *Service, *EventHub) {
	t.Helper()
	hub := NewEventHub(64)
	deps := testDeps(newFakeSource(1_000_000, 4, true), hub)
	svc := NewService(fastConfig(), deps)
	t.Cleanup(svc.Shutdown)
	return NewHandler(svc, hub, logger.Discard()), svc, hub
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func do(r http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Stream_range_probe(t *testing.T) {
	h, svc, _ := newTestHandler(t)
	r := newTestRouter(h)

	rec := do(r, http.MethodGet, "/calls/a/stream", http.Header{"Range": {"bytes=0-1"}})
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if rec.Body.Len() != 2 {
		t.Errorf("expected a 2-byte body, got %d", rec.Body.Len())
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 0-1/2" {
		t.Errorf("content range: got %q", got)
	}
	if svc.ActiveSessions() != 0 {
		t.Error("probe must not create a session")
	}
}

func TestHandler_Stream(t *testing.T) {
	h, svc, _ := newTestHandler(t)
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/calls/a/stream")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != mediaContentType {
		t.Errorf("content type: got %q", ct)
	}

	buf := make([]byte, len("init0:"))
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "init0:" {
		t.Errorf("stream should start with init then segment 0, got %q", buf)
	}
	resp.Body.Close()

	sess, ok := svc.Registry().Get("a")
	if !ok {
		t.Fatal("session not registered")
	}
	deadline := time.Now().Add(time.Second)
	for sess.Snapshot().Sinks != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sink not released after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_Playlist_and_media(t *testing.T) {
	h, svc, _ := newTestHandler(t)
	r := newTestRouter(h)

	rec := do(r, http.MethodGet, "/calls/a/playlist.m3u8", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Errorf("content type: got %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `#EXT-X-MAP:URI="/calls/a/init.mp4"`) || !strings.Contains(body, "/calls/a/segments/0.m4s") {
		t.Errorf("unexpected playlist:\n%s", body)
	}

	rec = do(r, http.MethodGet, "/calls/a/init.mp4", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "init" {
		t.Errorf("init: got %d %q", rec.Code, rec.Body.String())
	}

	rec = do(r, http.MethodGet, "/calls/a/segments/1.m4s", nil)
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "1:") {
		t.Errorf("segment: got %d %q", rec.Code, rec.Body.String())
	}

	sess, _ := svc.Registry().Get("a")
	deadline := time.Now().Add(2 * time.Second)
	for sess.Snapshot().OldestSeq < 1 {
		if time.Now().After(deadline) {
			t.Fatal("buffer did not slide")
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec = do(r, http.MethodGet, "/calls/a/segments/0.m4s", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("evicted segment: expected 404, got %d", rec.Code)
	}
}

func TestHandler_Segment_bad_request(t *testing.T) {
	h, svc, _ := newTestHandler(t)
	r := newTestRouter(h)

	rec := do(r, http.MethodGet, "/calls/a/segments/abc.m4s", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if svc.ActiveSessions() != 0 {
		t.Error("bad request must not create a session")
	}
}

func TestHandler_Stats(t *testing.T) {
	h, svc, _ := newTestHandler(t)
	r := newTestRouter(h)

	rec := do(r, http.MethodGet, "/calls/a/stats", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown call: expected 404, got %d", rec.Code)
	}

	if _, _, err := svc.OpenStream("a"); err != nil {
		t.Fatal(err)
	}
	rec = do(r, http.MethodGet, "/calls/a/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st Stats
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.CallID != "a" || st.Mode != "push" || st.Sinks != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestHandler_ListStats(t *testing.T) {
	h, svc, _ := newTestHandler(t)
	r := newTestRouter(h)

	rec := do(r, http.MethodGet, "/calls", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("no calls: expected [], got %s", got)
	}

	for _, id := range []CallID{"b", "a"} {
		if _, _, err := svc.OpenStream(id); err != nil {
			t.Fatal(err)
		}
	}
	rec = do(r, http.MethodGet, "/calls", nil)
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}
	var all []Stats
	if err := json.NewDecoder(rec.Body).Decode(&all); err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].CallID != "a" || all[1].CallID != "b" {
		t.Errorf("expected calls a and b in order, got %+v", all)
	}
	for _, st := range all {
		if st.Mode != "push" || st.Sinks != 1 {
			t.Errorf("unexpected stats: %+v", st)
		}
	}
}

func TestHandler_Leave(t *testing.T) {
	h, svc, _ := newTestHandler(t)
	r := newTestRouter(h)

	if _, _, err := svc.OpenStream("a"); err != nil {
		t.Fatal(err)
	}
	rec := do(r, http.MethodPost, "/calls/a/leave?forever=true", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if svc.ActiveSessions() != 0 {
		t.Error("session should be destroyed")
	}

	rec = do(r, http.MethodPost, "/calls/a/leave?forever=maybe", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_Events(t *testing.T) {
	h, _, hub := newTestHandler(t)
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: got %q", ct)
	}

	// The subscription is registered before the headers are flushed.
	hub.Destroyed("a")

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for len(lines) < 2 && sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 2 || lines[0] != "event: destroyed" || lines[1] != `data: {"type":"destroyed","callId":"a"}` {
		t.Errorf("unexpected event lines: %q", lines)
	}
}

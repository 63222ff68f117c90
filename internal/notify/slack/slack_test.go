package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/roadwatch/internal/dispatch"
	"github.com/linnemanlabs/roadwatch/internal/incident"
)

func testPayload() dispatch.Payload {
	return dispatch.Payload{
		IncidentID: "01JN123",
		Language:   "en",
		Text:       "\U0001f6a8 ROAD ACCIDENT DETECTED \U0001f6a8\nLocation: Galle Road, Colombo\nSeverity: CRITICAL\nIMMEDIATE RESPONSE REQUIRED",
		Severity:   incident.SeverityCritical,
		Location:   &incident.Location{Lat: 6.9271, Lon: 79.8612},
	}
}

func TestSend_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.Send(context.Background(), "ops", testPayload()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, text, map button, context = 5 blocks
	if len(blocks) != 5 {
		t.Errorf("blocks count = %d, want 5", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "ROAD ACCIDENT DETECTED") {
		t.Errorf("header text = %q, want the alert headline", headerText)
	}
	if got["text"] != headerText {
		t.Errorf("fallback text = %v, want %q", got["text"], headerText)
	}

	body := blocks[2].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(body, "Galle Road") || strings.Contains(body, "ROAD ACCIDENT DETECTED") {
		t.Errorf("section text = %q", body)
	}
}

func TestSend_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", log.Nop())
	if err := n.Send(context.Background(), "ops", dispatch.Payload{}); err != nil {
		t.Fatalf("Send with empty URL should be no-op, got: %v", err)
	}
}

func TestSend_ClassifiesStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusForbidden, true},
		{http.StatusNotFound, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("invalid_payload"))
			}))
			defer srv.Close()

			err := New(srv.URL, nil).Send(context.Background(), "ops", testPayload())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := dispatch.IsPermanent(err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v (%v)", got, tt.permanent, err)
			}
			if !strings.Contains(err.Error(), "invalid_payload") {
				t.Errorf("error %q missing response body", err)
			}
		})
	}
}

func TestSend_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := New(url, log.Nop()).Send(context.Background(), "ops", testPayload())
	if !errors.Is(err, dispatch.ErrTransient) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestBuildMessage_UnlocatedFallback(t *testing.T) {
	t.Parallel()

	p := testPayload()
	p.Location = nil
	p.Fallback = true
	msg := buildMessage(p)

	blocks := msg["blocks"].([]map[string]any)
	if len(blocks) != 4 {
		t.Errorf("blocks = %d, want 4 without a map button", len(blocks))
	}
	ctx := blocks[3]["elements"].([]map[string]any)[0]["text"].(string)
	if !strings.Contains(ctx, "(untranslated)") || !strings.Contains(ctx, "critical") {
		t.Errorf("context = %q", ctx)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	long := strings.Repeat("a", 20)
	if got := truncate(long, 10); got != "aaaaaaa..." {
		t.Errorf("truncate = %q", got)
	}
	multi := strings.Repeat("事", 10)
	got := truncate(multi, 8)
	if !utf8.ValidString(got) || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate split a rune: %q", got)
	}
}

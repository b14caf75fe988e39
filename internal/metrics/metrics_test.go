package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.RecordDrop(context.Background(), "moved", time.Second)
	r.RecordExchange(context.Background(), "send", "ok", time.Second)
}

func TestPrometheusHandlerExposesInstruments(t *testing.T) {
	ctx := context.Background()
	h, err := InitMeterProvider(ctx, "boardline-test")
	if err != nil {
		t.Fatalf("init provider: %v", err)
	}
	r, err := NewRecorder(Meter())
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	r.RecordDrop(ctx, "moved", 20*time.Millisecond)
	r.RecordExchange(ctx, "seed", "ok", 5*time.Millisecond)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"boardline_drops_total", "boardline_assistant_exchanges_total"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metrics output missing %s:\n%s", name, body)
		}
	}
}

package observability

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func newTestLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestNoOpTracer(t *testing.T) {
	tracer := &NoOpTracer{}

	// All methods should be callable without panic
	trace := tracer.StartTrace("surgagent-1", TraceOptions{VideoPath: "video01.mp4"})
	span := tracer.StartStage(trace, "strategy_selection", SpanOptions{})
	tracer.RecordGeneration(span, GenerationInput{
		Name:   "StrategyAdvisor",
		Status: "completed",
	})
	tracer.RecordSkipped(span, "StrategyAdvisor", "timeout")
	tracer.EndStage(span, "completed", 1000)
	tracer.CompleteTrace(trace, CompleteOptions{Status: "finalized"})

	if err := tracer.Flush(context.Background()); err != nil {
		t.Errorf("NoOpTracer.Flush() returned error: %v", err)
	}
	if err := tracer.Stop(context.Background()); err != nil {
		t.Errorf("NoOpTracer.Stop() returned error: %v", err)
	}
}

func TestNoOpTracerInterface(t *testing.T) {
	// Verify NoOpTracer satisfies the Tracer interface
	var _ Tracer = &NoOpTracer{}
}

func TestLangfuseTracerInterface(t *testing.T) {
	// Verify LangfuseTracer satisfies the Tracer interface
	var _ Tracer = &LangfuseTracer{}
}

func TestLangfuseTracerSendsBatches(t *testing.T) {
	var mu sync.Mutex
	var receivedBatches []ingestionPayload

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ingestionPath {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		if r.Header.Get("Authorization") == "" {
			t.Error("missing Authorization header")
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("failed to read body: %v", err)
			http.Error(w, "read error", http.StatusInternalServerError)
			return
		}

		var payload ingestionPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("failed to unmarshal body: %v", err)
			http.Error(w, "parse error", http.StatusBadRequest)
			return
		}

		mu.Lock()
		receivedBatches = append(receivedBatches, payload)
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"successes":[],"errors":[]}`))
	}))
	defer server.Close()

	tracer := NewLangfuseTracer(LangfuseConfig{
		PublicKey: "pk-test",
		SecretKey: "sk-test",
		BaseURL:   server.URL,
	}, newTestLogger())

	trace := tracer.StartTrace("surgagent-abc", TraceOptions{
		VideoPath: "video01.mp4",
		Strategy:  "yolov8_surgical+bytetrack",
	})
	span := tracer.StartStage(trace, "strategy_selection", SpanOptions{FrameIndex: 15})
	tracer.RecordGeneration(span, GenerationInput{
		Name:   "StrategyAdvisor",
		Model:  "gemini-2.0-flash",
		Input:  `{"visibility": 4}`,
		Output: `{"detector": "advanced"}`,
		Status: "completed",
	})
	tracer.EndStage(span, "completed", 120)
	tracer.CompleteTrace(trace, CompleteOptions{Status: "finalized", TotalSwitches: 1})

	if err := tracer.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	total := 0
	types := make(map[string]int)
	for _, batch := range receivedBatches {
		for _, evt := range batch.Batch {
			total++
			types[evt.Type]++
		}
	}
	// trace-create x2 (start + complete), span-create, span-update, generation-create
	if total != 5 {
		t.Errorf("expected 5 events, got %d (%v)", total, types)
	}
	if types["generation-create"] != 1 {
		t.Errorf("expected one generation event, got %d", types["generation-create"])
	}
	if types["trace-create"] != 2 {
		t.Errorf("expected two trace-create events, got %d", types["trace-create"])
	}
}

func TestTraceIDMatchesSessionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte(`{"successes":[],"errors":[]}`))
	}))
	defer server.Close()

	tracer := NewLangfuseTracer(LangfuseConfig{BaseURL: server.URL}, newTestLogger())
	defer func() { _ = tracer.Stop(context.Background()) }()

	trace := tracer.StartTrace("surgagent-xyz", TraceOptions{})
	if trace.TraceID != "surgagent-xyz" {
		t.Errorf("trace ID should equal session ID for easy lookup, got %s", trace.TraceID)
	}
}

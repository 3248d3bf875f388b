package sarvam

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ruchi-nb/full-matata-sub000/internal/platform/logging"
	"github.com/ruchi-nb/full-matata-sub000/internal/providers"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(logging.Config{Level: "error", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

func vendorStub(t *testing.T, transcript string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if r.Header.Get("api-subscription-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseMultipartForm(4 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `{"transcript":%q,"language_code":"hi-IN"}`, transcript)
	}))
}

func testTuning() Tuning {
	return Tuning{
		Debounce:           20 * time.Millisecond,
		IdleFinalize:       60 * time.Millisecond,
		BufferCap:          64 * 1024,
		MinTranscribeBytes: 2048,
		GrowthThreshold:    1024,
		GrowthInterval:     time.Second,
	}
}

func collect(events <-chan providers.Event, d time.Duration) []providers.Event {
	var got []providers.Event
	deadline := time.After(d)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, evt)
		case <-deadline:
			return got
		}
	}
}

func TestClient_Transcribe(t *testing.T) {
	srv := vendorStub(t, "मुझे बुखार है", nil)
	defer srv.Close()

	client := NewClient(Config{APIKey: "test-key", Endpoint: srv.URL}, testLogger(t))

	text, err := client.Transcribe(context.Background(), make([]byte, 4096), "hi-IN", false)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "मुझे बुखार है" {
		t.Errorf("Transcribe() = %q", text)
	}
}

func TestClient_Transcribe_VendorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(Config{APIKey: "k", Endpoint: srv.URL}, testLogger(t))

	if _, err := client.Transcribe(context.Background(), make([]byte, 4096), "hi-IN", false); err == nil {
		t.Error("Transcribe() should surface vendor errors")
	}
}

func TestClient_Transcribe_EmptyAudio(t *testing.T) {
	client := NewClient(Config{APIKey: "k", Endpoint: "http://127.0.0.1:1"}, testLogger(t))

	text, err := client.Transcribe(context.Background(), nil, "en", false)
	if err != nil || text != "" {
		t.Errorf("empty audio should short-circuit, got (%q, %v)", text, err)
	}
}

func TestAdapter_InterimThenIdleFinalize(t *testing.T) {
	srv := vendorStub(t, "i have a headache", nil)
	defer srv.Close()

	client := NewClient(Config{APIKey: "test-key", Endpoint: srv.URL}, testLogger(t))
	adapter := NewAdapter(client, testTuning(), "en-IN", false, testLogger(t))
	defer adapter.Stop()

	if err := adapter.Feed(context.Background(), make([]byte, 4096)); err != nil {
		t.Fatal(err)
	}

	events := collect(adapter.Events(), 500*time.Millisecond)

	var interim, final int
	for _, evt := range events {
		switch evt.Kind {
		case providers.EventInterim:
			interim++
			if evt.Text != "i have a headache" {
				t.Errorf("interim text = %q", evt.Text)
			}
		case providers.EventFinal:
			final++
			if evt.Text != "i have a headache" {
				t.Errorf("final text = %q", evt.Text)
			}
		}
	}
	if interim < 1 {
		t.Error("expected at least one interim transcript")
	}
	if final != 1 {
		t.Errorf("idle auto-finalize fired %d times, want exactly 1", final)
	}
}

func TestAdapter_NewAudioCancelsIdleFinalize(t *testing.T) {
	srv := vendorStub(t, "partial", nil)
	defer srv.Close()

	client := NewClient(Config{APIKey: "test-key", Endpoint: srv.URL}, testLogger(t))
	tuning := testTuning()
	tuning.IdleFinalize = 150 * time.Millisecond
	adapter := NewAdapter(client, tuning, "en-IN", false, testLogger(t))
	defer adapter.Stop()

	adapter.Feed(context.Background(), make([]byte, 4096))
	time.Sleep(80 * time.Millisecond) // after interim, idle armed

	// Fresh audio must cancel the pending idle finalize.
	adapter.Feed(context.Background(), make([]byte, 16))
	time.Sleep(100 * time.Millisecond)

	events := collect(adapter.Events(), 10*time.Millisecond)
	for _, evt := range events {
		if evt.Kind == providers.EventFinal {
			t.Fatal("final event emitted despite fresh audio cancelling the idle timer")
		}
	}
}

func TestAdapter_SmallBufferSkipsTranscription(t *testing.T) {
	var calls atomic.Int32
	srv := vendorStub(t, "noise", &calls)
	defer srv.Close()

	client := NewClient(Config{APIKey: "test-key", Endpoint: srv.URL}, testLogger(t))
	adapter := NewAdapter(client, testTuning(), "en-IN", false, testLogger(t))
	defer adapter.Stop()

	adapter.Feed(context.Background(), make([]byte, 100)) // below 2KB minimum
	time.Sleep(100 * time.Millisecond)

	if calls.Load() != 0 {
		t.Errorf("vendor called %d times for sub-minimum buffer, want 0", calls.Load())
	}
}

func TestAdapter_BoundedBuffer(t *testing.T) {
	client := NewClient(Config{APIKey: "k", Endpoint: "http://127.0.0.1:1"}, testLogger(t))
	tuning := testTuning()
	tuning.BufferCap = 8 * 1024
	tuning.Debounce = time.Hour // keep the timer from firing during the test
	adapter := NewAdapter(client, tuning, "en-IN", false, testLogger(t))
	defer adapter.Stop()

	for i := 0; i < 100; i++ {
		adapter.Feed(context.Background(), make([]byte, 1024))
	}

	adapter.mu.Lock()
	size := len(adapter.buffer)
	adapter.mu.Unlock()

	if size > tuning.BufferCap {
		t.Errorf("buffer grew to %d bytes, cap is %d", size, tuning.BufferCap)
	}
}

func TestAdapter_FlushTranscribesPending(t *testing.T) {
	srv := vendorStub(t, "flushed text", nil)
	defer srv.Close()

	client := NewClient(Config{APIKey: "test-key", Endpoint: srv.URL}, testLogger(t))
	tuning := testTuning()
	tuning.Debounce = time.Hour
	adapter := NewAdapter(client, tuning, "en-IN", false, testLogger(t))
	defer adapter.Stop()

	adapter.Feed(context.Background(), make([]byte, 4096))
	if err := adapter.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	events := collect(adapter.Events(), 200*time.Millisecond)
	var finals int
	for _, evt := range events {
		if evt.Kind == providers.EventFinal {
			finals++
			if evt.Text != "flushed text" {
				t.Errorf("final text = %q", evt.Text)
			}
		}
	}
	if finals != 1 {
		t.Errorf("flush produced %d finals, want 1", finals)
	}
}

func TestAdapter_StopRejectsFeeds(t *testing.T) {
	client := NewClient(Config{APIKey: "k", Endpoint: "http://127.0.0.1:1"}, testLogger(t))
	adapter := NewAdapter(client, testTuning(), "en-IN", false, testLogger(t))

	if err := adapter.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := adapter.Stop(); err != nil {
		t.Error("Stop must be idempotent")
	}
	if err := adapter.Feed(context.Background(), []byte{1}); err == nil {
		t.Error("Feed after Stop should fail")
	}
	if _, ok := <-adapter.Events(); ok {
		t.Error("event channel should be closed after Stop")
	}
}

package logx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestLokiWriterFlushesOnBatchSize(t *testing.T) {
	var mu sync.Mutex
	var received []lokiPushRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req lokiPushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode push request: %v", err)
		}
		mu.Lock()
		received = append(received, req)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, BatchSize: 2, FlushInterval: "1h"})
	if err != nil {
		t.Fatalf("NewLokiWriter: %v", err)
	}
	defer lw.Close()

	if _, err := lw.Write([]byte("line one")); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	if _, err := lw.Write([]byte("line two")); err != nil {
		t.Fatalf("Write 2: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for batch flush")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received[0].Streams) != 1 {
		t.Fatalf("expected one stream, got %d", len(received[0].Streams))
	}
	if len(received[0].Streams[0].Values) != 2 {
		t.Errorf("expected 2 values in first flush, got %d", len(received[0].Streams[0].Values))
	}
	if received[0].Streams[0].Stream["job"] != "otus" {
		t.Errorf("expected default job label, got %+v", received[0].Streams[0].Stream)
	}
}

func TestLokiWriterCloseFlushesRemainder(t *testing.T) {
	var mu sync.Mutex
	flushed := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		flushed = true
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, BatchSize: 100, FlushInterval: "1h"})
	if err != nil {
		t.Fatalf("NewLokiWriter: %v", err)
	}

	if _, err := lw.Write([]byte("only line")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := lw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !flushed {
		t.Errorf("expected Close to flush the pending batch")
	}
}

func TestLokiWriterRejectsWriteAfterClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, BatchSize: 10, FlushInterval: "1h"})
	if err != nil {
		t.Fatalf("NewLokiWriter: %v", err)
	}
	if err := lw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := lw.Write([]byte("too late")); err == nil {
		t.Fatalf("expected error writing after close")
	}
}

func TestLokiWriterAppliesDefaultJobLabelOnlyWhenAbsent(t *testing.T) {
	lw, err := NewLokiWriter(LokiConfig{Endpoint: "http://example.invalid", Labels: map[string]string{"job": "custom"}})
	if err != nil {
		t.Fatalf("NewLokiWriter: %v", err)
	}
	defer lw.Close()
	if lw.labels["job"] != "custom" {
		t.Errorf("expected custom job label to be preserved, got %q", lw.labels["job"])
	}
}

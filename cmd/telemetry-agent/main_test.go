package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"--url", "ws://h:1/ws/streaming", "--stream", "streaming", "--reconnect-delay", "500ms"})
	if err != nil {
		t.Fatal(err)
	}
	if o.url != "ws://h:1/ws/streaming" || o.stream != "streaming" || o.reconnectDelay != 500*time.Millisecond {
		t.Fatalf("opts = %+v", o)
	}
	if o.bufferSize != 100 {
		t.Fatalf("buffer = %d", o.bufferSize)
	}

	if _, err := parseFlags([]string{"--stream", "video"}); err == nil {
		t.Fatal("unknown stream accepted")
	}
	if _, err := parseFlags([]string{"--report-every", "0s"}); err == nil {
		t.Fatal("zero report interval accepted")
	}
}

func TestResync(t *testing.T) {
	if resync(zap.NewNop(), "") != nil {
		t.Fatal("expected nil hook without url")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"isRunning":true}`))
	}))
	defer srv.Close()

	core, logs := observer.New(zap.InfoLevel)
	resync(zap.New(core), srv.URL)()
	entries := logs.FilterMessage("status re-fetched").All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	if got := entries[0].ContextMap()["body"]; got != `{"isRunning":true}` {
		t.Fatalf("body = %v", got)
	}
}

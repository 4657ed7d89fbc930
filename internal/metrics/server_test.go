package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"
)

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestServerServesMetricsOnConfiguredPath(t *testing.T) {
	addr := freePort(t)
	s := NewServer(addr, "/custom-metrics")
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	PacketsProcessedTotal.WithLabelValues("linklayer").Inc()

	url := fmt.Sprintf("http://%s/custom-metrics", addr)
	var resp *http.Response
	var err error
	for i := 0; i < 20; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServerDefaultsPathToMetrics(t *testing.T) {
	s := NewServer("127.0.0.1:0", "")
	if s.path != "/metrics" {
		t.Errorf("path = %q, want /metrics", s.path)
	}
}

func TestServerStopWithoutStartIsNoop(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/metrics")
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop on unstarted server: %v", err)
	}
}

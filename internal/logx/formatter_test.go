package logx

import (
	"bytes"
	"strings"
	"testing"
)

func TestStatusFormatterWritesStageAndFields(t *testing.T) {
	f := NewStatusFormatter("", "")
	var buf bytes.Buffer
	if err := f.WriteStatus(&buf, "translayer", map[string]string{"flows": "12"}); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "stage=translayer") {
		t.Errorf("output missing stage field: %q", out)
	}
	if !strings.Contains(out, "flows=12") {
		t.Errorf("output missing flows field: %q", out)
	}
	if !strings.Contains(out, "status") {
		t.Errorf("output missing message: %q", out)
	}
}

func TestStatusFormatterUsesCustomPattern(t *testing.T) {
	f := NewStatusFormatter("%level: %msg", "")
	var buf bytes.Buffer
	if err := f.WriteStatus(&buf, "gtpuser", nil); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "info: status") {
		t.Errorf("got %q", buf.String())
	}
}

func TestStatusFormatterReusableAcrossCalls(t *testing.T) {
	f := NewStatusFormatter("", "")
	var buf1, buf2 bytes.Buffer
	if err := f.WriteStatus(&buf1, "a", nil); err != nil {
		t.Fatalf("WriteStatus 1: %v", err)
	}
	if err := f.WriteStatus(&buf2, "b", nil); err != nil {
		t.Fatalf("WriteStatus 2: %v", err)
	}
	if !strings.Contains(buf1.String(), "stage=a") || !strings.Contains(buf2.String(), "stage=b") {
		t.Errorf("expected independent writes, got %q and %q", buf1.String(), buf2.String())
	}
}

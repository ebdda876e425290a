package klog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelsAndFormat(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetVerbose(true)

	Debugf("sched", "thread %d queued", 7)
	Warnf("socket", "ring full")
	Errorf("kernel", "bad day")

	out := buf.String()
	for _, want := range []string{"sched: thread 7 queued", "socket: ring full", "kernel: bad day"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatal("escape codes written to a non-terminal sink")
	}
}

func TestVerboseGate(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetVerbose(false)

	Debugf("x", "quiet")
	Warnf("x", "also quiet")
	if buf.Len() != 0 {
		t.Fatalf("suppressed levels leaked: %q", buf.String())
	}

	Errorf("x", "loud")
	if !strings.Contains(buf.String(), "loud") {
		t.Fatal("errors must always print")
	}
	SetVerbose(true)
}

package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDebugf_Gated(t *testing.T) {
	t.Cleanup(func() { SetDebug(false) })

	var buf bytes.Buffer
	l := log.New(&buf, "", 0)

	SetDebug(false)
	Debugf(l, "hidden %d", 1)
	if buf.Len() != 0 {
		t.Errorf("Debugf wrote %q with debug off", buf.String())
	}

	SetDebug(true)
	Debugf(l, "shown %d", 2)
	if got := buf.String(); !strings.Contains(got, "debug: shown 2") {
		t.Errorf("Debugf wrote %q, want debug line", got)
	}

	Debugf(nil, "no panic")
}

func TestSink_WritesRotatingFile(t *testing.T) {
	t.Cleanup(func() { SetDebug(false) })

	path := filepath.Join(t.TempDir(), "logs", "syncd.log")
	sink := NewSink(Options{File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1, Debug: true})

	if !DebugEnabled() {
		t.Error("NewSink did not apply Debug option")
	}

	sink.Logger("store").Printf("hello from test")
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "[store] ") || !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file contents = %q", data)
	}
}

func TestSink_StderrOnly(t *testing.T) {
	sink := NewSink(Options{})
	if sink.Writer() != os.Stderr {
		t.Error("expected stderr writer when no file configured")
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

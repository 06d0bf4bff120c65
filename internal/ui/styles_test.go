package ui

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestRender_PlainWhenColorDisabled(t *testing.T) {
	DisableColor()

	for _, fn := range []func(string) string{RenderAccent, RenderPass, RenderWarn, RenderFail, RenderMuted} {
		if got := fn("ok"); got != "ok" {
			t.Errorf("render = %q, want plain text", got)
		}
	}
}

func TestRender_ColorEnabled(t *testing.T) {
	EnableColor()
	defer DisableColor()

	if got := RenderFail("boom"); got == "boom" || !strings.Contains(got, "boom") {
		t.Errorf("RenderFail() = %q, want styled text", got)
	}
}

func TestTable(t *testing.T) {
	DisableColor()

	var buf bytes.Buffer
	Table(&buf, []string{"ID", "TYPE"}, [][]string{
		{"1", "battery"},
		{"12", "led"},
	})

	want := "ID  TYPE\n1   battery\n12  led\n"
	if buf.String() != want {
		t.Errorf("Table() =\n%q\nwant\n%q", buf.String(), want)
	}
}

func TestKeyValue(t *testing.T) {
	DisableColor()

	var buf bytes.Buffer
	KeyValue(&buf, "users", 1)
	if got := buf.String(); got != "users"+strings.Repeat(" ", 9)+" 1\n" {
		t.Errorf("KeyValue() = %q", got)
	}
}

func TestIsTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if IsTerminal(f) {
		t.Error("regular file reported as terminal")
	}
	if IsTerminal(nil) {
		t.Error("nil reported as terminal")
	}
}

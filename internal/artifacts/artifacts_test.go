package artifacts

import (
	"encoding/csv"
	"os"
	"strings"
	"testing"
)

func TestWriteTrace(t *testing.T) {
	w := NewWriter(t.TempDir())

	path, err := w.WriteTrace("autoRabi_NV1", []float64{1, 2, 3}, []float64{0.9, 0.5, 0.1}, nil)
	if err != nil {
		t.Fatalf("WriteTrace: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + 3", len(rows))
	}
	if rows[0][0] != "x" || rows[0][1] != "y" || len(rows[0]) != 2 {
		t.Errorf("header = %v", rows[0])
	}
	if rows[2][0] != "2" || rows[2][1] != "0.5" {
		t.Errorf("row = %v", rows[2])
	}
}

func TestWriteTraceWithErrors(t *testing.T) {
	w := NewWriter(t.TempDir())

	path, err := w.WriteTrace("echo", []float64{1, 2}, []float64{0.5, 0.4}, []float64{0.01, 0.01})
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "x,y,yerr\n") {
		t.Errorf("content = %q, want yerr column", data)
	}
}

func TestWriteTraceLengthMismatch(t *testing.T) {
	w := NewWriter(t.TempDir())
	if _, err := w.WriteTrace("bad", []float64{1, 2}, []float64{1}, nil); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestWritePlot(t *testing.T) {
	w := NewWriter(t.TempDir())

	x := []float64{0, 1, 2, 3, 4}
	y := []float64{1, 0.8, 0.5, 0.3, 0.2}
	path, err := w.WritePlot("autoT1_exp", "T1", "tau (s)", "signal", x, y, y)
	if err != nil {
		t.Fatalf("WritePlot: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Error("plot file is empty")
	}
	if !strings.HasSuffix(path, ".png") {
		t.Errorf("path = %q, want .png", path)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"autoRabi_NV1", "autoRabi_NV1"},
		{"auto/Rabi NV#1", "auto_Rabi_NV_1"},
		{"", "untagged"},
	}
	for _, tt := range tests {
		if got := sanitize(tt.in); got != tt.want {
			t.Errorf("sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

package main

import (
	"math"
	"testing"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1 << 20, "1.0 MB"},
		{1 << 30, "1.0 GB"},
		{1 << 40, "1.0 TB"},
		{1 << 50, "1.0 PB"},
		{1 << 60, "1.0 EB"},
		{math.MaxInt64, "8.0 EB"},
	}

	for _, tc := range tests {
		if got := formatBytes(tc.n); got != tc.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short.bin", 40); got != "short.bin" {
		t.Errorf("truncate = %q", got)
	}

	long := "a-very-long-filename-that-keeps-going-and-going.bin"
	got := truncate(long, 20)
	if len(got) != 20 {
		t.Errorf("len = %d, want 20", len(got))
	}
	if got[17:] != "..." {
		t.Errorf("truncated name should end with ellipsis, got %q", got)
	}
}

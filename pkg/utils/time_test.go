package utils

import (
	"testing"
	"time"
)

func TestFromUnixMillisRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 30, 45, 123_000_000, time.UTC)

	// Биржевые API принимают и отдают миллисекунды Unix;
	// конвертация в обе стороны не должна терять точность
	got := FromUnixMillis(ts.UnixMilli())
	if !got.Equal(ts) {
		t.Errorf("FromUnixMillis(ts.UnixMilli()) = %v, want %v", got, ts)
	}
}

func TestFromUnixMillisSubMillisecondTruncated(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 30, 45, 123_456_789, time.UTC)

	got := FromUnixMillis(ts.UnixMilli())
	want := ts.Truncate(time.Millisecond)
	if !got.Equal(want) {
		t.Errorf("FromUnixMillis(ts.UnixMilli()) = %v, want %v", got, want)
	}
}

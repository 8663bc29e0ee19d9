package timebase

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestToAbsoluteInstant_AppleZero(t *testing.T) {
	got, err := ToAbsoluteInstant(0, AppleEpochOffset)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got != 978307200000 {
		t.Fatalf("got=%d want=978307200000", got)
	}
	if !got.Time().Equal(time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected time: %s", got.Time())
	}
}

func TestToAbsoluteInstant_Formula(t *testing.T) {
	cases := []struct {
		e, o float64
		want Instant
	}{
		{e: 1, o: 0, want: 1000},
		{e: 700000000, o: AppleEpochOffset, want: (700000000 + AppleEpochOffset) * 1000},
		{e: -5, o: 10, want: 5000},
		{e: 12.5, o: 0, want: 12500},
	}
	for _, c := range cases {
		got, err := ToAbsoluteInstant(c.e, c.o)
		if err != nil {
			t.Fatalf("convert(%v,%v): %v", c.e, c.o, err)
		}
		if got != c.want {
			t.Fatalf("convert(%v,%v) got=%d want=%d", c.e, c.o, got, c.want)
		}
	}
}

func TestToAbsoluteInstant_Monotonic(t *testing.T) {
	prev := Instant(math.MinInt64)
	for e := -1000.0; e <= 1000; e += 0.25 {
		got, err := FromAppleSeconds(e)
		if err != nil {
			t.Fatalf("convert %v: %v", e, err)
		}
		if got < prev {
			t.Fatalf("not monotonic at e=%v: %d < %d", e, got, prev)
		}
		prev = got
	}
}

func TestToAbsoluteInstant_RejectsNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := ToAbsoluteInstant(v, AppleEpochOffset); !errors.Is(err, ErrNonFinite) {
			t.Fatalf("expected ErrNonFinite for %v, got %v", v, err)
		}
	}
	// 恰好 2^63 毫秒：转换成 int64 会回绕成最小值
	for _, e := range []float64{9223372036854775.808, 1e19, -1e19} {
		if got, err := ToAbsoluteInstant(e, 0); !errors.Is(err, ErrNonFinite) {
			t.Fatalf("expected overflow error for %v, got %d %v", e, got, err)
		}
	}
	if _, err := ToAbsoluteInstant(9e15, 0); err != nil {
		t.Fatalf("large in-range instant rejected: %v", err)
	}
}

func TestParseInstant(t *testing.T) {
	want := FromTime(time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC))
	for _, s := range []string{"2024-03-01T12:30:00Z", "2024-03-01 12:30:00", "2024-03-01T12:30:00", "1709296200000"} {
		got, err := ParseInstant(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if got != want {
			t.Fatalf("parse %q got=%d want=%d", s, got, want)
		}
	}
	if _, err := ParseInstant("yesterday"); err == nil {
		t.Fatalf("expected error for unrecognized input")
	}
}

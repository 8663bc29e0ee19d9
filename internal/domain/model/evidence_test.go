package model

import (
	"errors"
	"math"
	"testing"
)

func TestFormatMAC(t *testing.T) {
	cases := map[uint64]string{
		0:              "00:00:00:00:00:00",
		0xA1B2C3D4E5F6: "A1:B2:C3:D4:E5:F6",
		0x0000000000FF: "00:00:00:00:00:FF",
	}
	for in, want := range cases {
		if got := FormatMAC(in); got != want {
			t.Fatalf("FormatMAC(%x) got=%q want=%q", in, got, want)
		}
	}
}

func TestUsageInterval_ValidateAndContains(t *testing.T) {
	u := UsageInterval{DeviceID: "d1", BundleIdentifier: "com.app.x", StartTime: 1000, EndTime: 5000, Kind: UsageUsage}
	if err := u.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !u.Contains(1000) || !u.Contains(5000) || u.Contains(999) || u.Contains(5001) {
		t.Fatalf("containment must be inclusive on both ends")
	}

	bad := u
	bad.StartTime, bad.EndTime = 6000, 5000
	if err := bad.Validate(); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	bad = u
	bad.Kind = "screen"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for kind, got %v", err)
	}
}

func TestLocation_Validate(t *testing.T) {
	ok := Location{DeviceID: "d1", Latitude: 52.52, Longitude: 13.40, Timestamp: 1}
	if err := ok.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, l := range []Location{
		{DeviceID: "", Latitude: 1, Longitude: 1},
		{DeviceID: "d1", Latitude: math.NaN(), Longitude: 1},
		{DeviceID: "d1", Latitude: 91, Longitude: 1},
	} {
		if err := l.Validate(); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("expected ErrInvalidRecord for %+v, got %v", l, err)
		}
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" WiFi ")
	if err != nil || k != KindWifi {
		t.Fatalf("got=%q err=%v", k, err)
	}
	if _, err := ParseKind("photos"); err == nil {
		t.Fatalf("expected error")
	}
}

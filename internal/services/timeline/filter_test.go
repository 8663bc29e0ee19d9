package timeline

import (
	"testing"

	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/timebase"

	"github.com/google/go-cmp/cmp"
)

func matched(ts ...int64) []model.MatchedLocation {
	out := make([]model.MatchedLocation, 0, len(ts))
	for _, v := range ts {
		out = append(out, model.MatchedLocation{Location: model.Location{DeviceID: "D1", Timestamp: timebase.Instant(v)}})
	}
	return out
}

func stamps(ms []model.MatchedLocation) []int64 {
	out := make([]int64, 0, len(ms))
	for _, m := range ms {
		out = append(out, int64(m.Timestamp))
	}
	return out
}

func TestFilter_InclusiveBounds(t *testing.T) {
	all := matched(1000, 2000, 3000, 4000)
	got := Filter(all, NewRange(2000, 3000))
	if diff := cmp.Diff([]int64{2000, 3000}, stamps(got)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestFilter_MissingBoundIsEmpty(t *testing.T) {
	all := matched(1, 2, 3)
	start := timebase.Instant(0)
	for _, r := range []Range{{}, {Start: &start}, {End: &start}} {
		got := Filter(all, r)
		if got == nil || len(got) != 0 {
			t.Fatalf("range %+v: expected empty non-nil, got %v", r, got)
		}
		if w := FilterWifi([]model.WifiSighting{{Timestamp: 1}}, r); len(w) != 0 {
			t.Fatalf("wifi should be empty for incomplete range")
		}
	}
}

func TestFilter_OutOfRangeAndInvertedBounds(t *testing.T) {
	all := matched(10, 20, 30)
	if got := Filter(all, NewRange(100, 200)); len(got) != 0 {
		t.Fatalf("expected no data, got %v", stamps(got))
	}
	if got := Filter(all, NewRange(30, 10)); len(got) != 0 {
		t.Fatalf("inverted range should be empty, got %v", stamps(got))
	}
}

func TestFilter_SortsAndLeavesInputAlone(t *testing.T) {
	all := matched(300, 100, 200)
	got := Filter(all, NewRange(0, 1000))
	if diff := cmp.Diff([]int64{100, 200, 300}, stamps(got)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{300, 100, 200}, stamps(all)); diff != "" {
		t.Fatalf("input reordered:\n%s", diff)
	}
}

func TestFilterWifi_SamePredicate(t *testing.T) {
	wifi := []model.WifiSighting{
		{DeviceID: "D2", MAC: 1, Timestamp: 500},
		{DeviceID: "D1", MAC: 2, Timestamp: 150},
		{DeviceID: "D1", MAC: 3, Timestamp: 100},
		{DeviceID: "D1", MAC: 4, Timestamp: 99},
	}
	got := FilterWifi(wifi, NewRange(100, 500))
	var macs []uint64
	for _, w := range got {
		macs = append(macs, w.MAC)
	}
	if diff := cmp.Diff([]uint64{3, 2, 1}, macs); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestBounds(t *testing.T) {
	r := Bounds(matched(50, 10, 90))
	if !r.Complete() || *r.Start != 10 || *r.End != 90 {
		t.Fatalf("bounds=%+v", r)
	}
	if Bounds(nil).Complete() {
		t.Fatalf("empty sequence should give incomplete range")
	}
}

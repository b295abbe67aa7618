package planner

import (
	"testing"
)

func sumCounts(buckets []Bucket) int {
	total := 0
	for _, b := range buckets {
		total += b.Count
	}
	return total
}

func TestParseShape(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Shape
		wantErr bool
	}{
		{in: "even", want: ShapeEven},
		{in: "Bell", want: ShapeBell},
		{in: "front_loaded", want: ShapeFrontLoaded},
		{in: "back-loaded", want: ShapeBackLoaded},
		{in: "morning", want: ShapeFrontLoaded},
		{in: "afternoon", want: ShapeBackLoaded},
		{in: "  bell ", want: ShapeBell},
		{in: "triangle", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseShape(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseShape(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseShape(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseShape(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{in: "09:30", want: TimeOfDay{Hour: 9, Minute: 30}},
		{in: "0:00", want: TimeOfDay{}},
		{in: "23:59", want: TimeOfDay{Hour: 23, Minute: 59}},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "-1:00", wantErr: true},
		{in: "noon", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseTimeOfDay(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseTimeOfDay(%q): expected error, got %v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeOfDay(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestPlanExactSum(t *testing.T) {
	t.Parallel()

	shapes := []Shape{ShapeEven, ShapeBell, ShapeFrontLoaded, ShapeBackLoaded}
	cases := []struct {
		name       string
		total      int
		start, end TimeOfDay
	}{
		{name: "typical day", total: 500, start: TimeOfDay{Hour: 9}, end: TimeOfDay{Hour: 17}},
		{name: "short window", total: 7, start: TimeOfDay{Hour: 10}, end: TimeOfDay{Hour: 10, Minute: 30}},
		{name: "single minute worth", total: 3, start: TimeOfDay{Hour: 12}, end: TimeOfDay{Hour: 12, Minute: 1}},
		{name: "overnight", total: 200, start: TimeOfDay{Hour: 22}, end: TimeOfDay{Hour: 2}},
		{name: "sparse", total: 5, start: TimeOfDay{Hour: 0}, end: TimeOfDay{Hour: 12}},
		{name: "large", total: 10000, start: TimeOfDay{Hour: 8}, end: TimeOfDay{Hour: 20}},
	}
	for _, tc := range cases {
		for _, shape := range shapes {
			buckets := Plan(tc.total, tc.start, tc.end, shape)
			if got := sumCounts(buckets); got != tc.total {
				t.Errorf("%s/%s: counts sum to %d, want %d", tc.name, shape, got, tc.total)
			}
			for _, b := range buckets {
				if b.Count < 0 {
					t.Errorf("%s/%s: negative bucket %02d:%02d = %d", tc.name, shape, b.Hour, b.Minute, b.Count)
				}
				if b.Hour < 0 || b.Hour > 23 || b.Minute < 0 || b.Minute > 59 {
					t.Errorf("%s/%s: bucket time out of range: %+v", tc.name, shape, b)
				}
			}
		}
	}
}

func TestPlanZeroTotal(t *testing.T) {
	t.Parallel()

	if got := Plan(0, TimeOfDay{Hour: 9}, TimeOfDay{Hour: 17}, ShapeBell); len(got) != 0 {
		t.Errorf("total=0: got %d buckets, want none", len(got))
	}
	if got := Plan(-5, TimeOfDay{Hour: 9}, TimeOfDay{Hour: 17}, ShapeEven); len(got) != 0 {
		t.Errorf("total<0: got %d buckets, want none", len(got))
	}
}

func TestPlanEvenSpread(t *testing.T) {
	t.Parallel()

	// 480 sends across 8 hours: exactly one per minute.
	buckets := Plan(480, TimeOfDay{Hour: 9}, TimeOfDay{Hour: 17}, ShapeEven)
	if len(buckets) != 480 {
		t.Fatalf("got %d buckets, want 480", len(buckets))
	}
	for _, b := range buckets {
		if b.Count != 1 {
			t.Errorf("bucket %02d:%02d = %d, want 1", b.Hour, b.Minute, b.Count)
		}
	}
}

func TestPlanTinyTotalShortWindow(t *testing.T) {
	t.Parallel()

	// 10 sends over 10 minutes, even: ten buckets of exactly 1.
	buckets := Plan(10, TimeOfDay{Hour: 14}, TimeOfDay{Hour: 14, Minute: 10}, ShapeEven)
	if len(buckets) != 10 {
		t.Fatalf("got %d buckets, want 10", len(buckets))
	}
	for i, b := range buckets {
		if b.Count != 1 {
			t.Errorf("bucket %d: count %d, want 1", i, b.Count)
		}
		if b.Hour != 14 || b.Minute != i {
			t.Errorf("bucket %d at %02d:%02d, want 14:%02d", i, b.Hour, b.Minute, i)
		}
	}
}

// peakOffset returns the window offset of the largest bucket.
func peakOffset(buckets []Bucket, start TimeOfDay) int {
	best, bestCount := 0, -1
	for _, b := range buckets {
		off := (b.Hour*60 + b.Minute - start.MinuteOfDay() + 24*60) % (24 * 60)
		if b.Count > bestCount {
			best, bestCount = off, b.Count
		}
	}
	return best
}

func TestPlanPeakPositions(t *testing.T) {
	t.Parallel()

	start := TimeOfDay{Hour: 9}
	end := TimeOfDay{Hour: 17}
	window := 8 * 60

	cases := []struct {
		shape Shape
		want  int
	}{
		{shape: ShapeBell, want: window / 2},
		{shape: ShapeFrontLoaded, want: window / 3},
		{shape: ShapeBackLoaded, want: 2 * window / 3},
	}
	for _, tc := range cases {
		buckets := Plan(1000, start, end, tc.shape)
		got := peakOffset(buckets, start)
		diff := got - tc.want
		if diff < 0 {
			diff = -diff
		}
		// Residual correction may shift the peak by one slot.
		if diff > 1 {
			t.Errorf("%s: peak at offset %d, want %d±1", tc.shape, got, tc.want)
		}
	}
}

func TestPlanBellTapersAtEdges(t *testing.T) {
	t.Parallel()

	start := TimeOfDay{Hour: 9}
	buckets := Plan(1000, start, TimeOfDay{Hour: 17}, ShapeBell)

	counts := make(map[int]int)
	for _, b := range buckets {
		off := (b.Hour*60 + b.Minute - start.MinuteOfDay() + 24*60) % (24 * 60)
		counts[off] = b.Count
	}
	mid := counts[240]
	edgeLow, edgeHigh := counts[10], counts[470]
	if mid <= edgeLow || mid <= edgeHigh {
		t.Errorf("bell midpoint %d not above edges (%d, %d)", mid, edgeLow, edgeHigh)
	}
}

func TestPlanWrapsMidnight(t *testing.T) {
	t.Parallel()

	buckets := Plan(400, TimeOfDay{Hour: 22}, TimeOfDay{Hour: 2}, ShapeEven)
	if got := sumCounts(buckets); got != 400 {
		t.Fatalf("counts sum to %d, want 400", got)
	}
	seen := make(map[int]bool)
	for _, b := range buckets {
		seen[b.Hour] = true
	}
	for _, h := range []int{22, 23, 0, 1} {
		if !seen[h] {
			t.Errorf("no buckets in hour %d", h)
		}
	}
	for h := range seen {
		if h != 22 && h != 23 && h != 0 && h != 1 {
			t.Errorf("bucket outside window in hour %d", h)
		}
	}
}

func TestPlanPreviewMatchesPlan(t *testing.T) {
	t.Parallel()

	shapes := []Shape{ShapeEven, ShapeBell, ShapeFrontLoaded, ShapeBackLoaded}
	for _, shape := range shapes {
		pv, err := PlanPreview(500, 9, 17, shape)
		if err != nil {
			t.Fatalf("%s: %v", shape, err)
		}

		buckets := Plan(500, TimeOfDay{Hour: 9}, TimeOfDay{Hour: 17}, shape)
		wantHourly := make(map[int]int)
		for _, b := range buckets {
			wantHourly[b.Hour] += b.Count
		}
		for h, want := range wantHourly {
			if got := pv.Hourly[h]; got != want {
				t.Errorf("%s: hour %d preview=%d plan=%d", shape, h, got, want)
			}
		}

		total := 0
		for _, hc := range pv.Visualization {
			total += hc.Count
		}
		if total != 500 {
			t.Errorf("%s: visualization sums to %d, want 500", shape, total)
		}
		if got := pv.Stats.PeakCount; got != pv.Hourly[pv.Stats.PeakHour] {
			t.Errorf("%s: peak count %d != hourly[%d]=%d", shape, got, pv.Stats.PeakHour, pv.Hourly[pv.Stats.PeakHour])
		}
	}
}

func TestPlanPreviewStats(t *testing.T) {
	t.Parallel()

	pv, err := PlanPreview(800, 9, 17, ShapeBell)
	if err != nil {
		t.Fatal(err)
	}
	if pv.Stats.AvgPerHour != 100 {
		t.Errorf("avg per hour %v, want 100", pv.Stats.AvgPerHour)
	}
	// Bell over 09:00..17:00 peaks around 13:00.
	if pv.Stats.PeakHour != 12 && pv.Stats.PeakHour != 13 {
		t.Errorf("peak hour %d, want 12 or 13", pv.Stats.PeakHour)
	}
	if len(pv.Visualization) != 8 {
		t.Fatalf("visualization has %d hours, want 8", len(pv.Visualization))
	}
	if pv.Visualization[0].Hour != 9 || pv.Visualization[7].Hour != 16 {
		t.Errorf("visualization hours run %d..%d, want 9..16", pv.Visualization[0].Hour, pv.Visualization[7].Hour)
	}
}

func TestPlanPreviewRejectsBadHours(t *testing.T) {
	t.Parallel()

	if _, err := PlanPreview(100, -1, 17, ShapeEven); err == nil {
		t.Error("expected error for negative start hour")
	}
	if _, err := PlanPreview(100, 9, 24, ShapeEven); err == nil {
		t.Error("expected error for end hour 24")
	}
}

func TestDisplayHour(t *testing.T) {
	t.Parallel()

	cases := map[int]string{0: "12am", 1: "1am", 11: "11am", 12: "12pm", 13: "1pm", 23: "11pm"}
	for hour, want := range cases {
		if got := DisplayHour(hour); got != want {
			t.Errorf("DisplayHour(%d) = %q, want %q", hour, got, want)
		}
	}
}

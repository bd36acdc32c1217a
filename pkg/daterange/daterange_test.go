package daterange

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func d(s string) time.Time {
	t, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestMonthly(t *testing.T) {
	tests := []struct {
		desc  string
		start string
		end   string
		want  []Range
	}{
		{
			desc:  "mid month start, year rollover, clamped end",
			start: "2023-11-15",
			end:   "2024-01-10",
			want: []Range{
				{Start: d("2023-11-15"), End: d("2023-11-30")},
				{Start: d("2023-12-01"), End: d("2023-12-31")},
				{Start: d("2024-01-01"), End: d("2024-01-10")},
			},
		},
		{
			desc:  "single day",
			start: "2024-02-29",
			end:   "2024-02-29",
			want: []Range{
				{Start: d("2024-02-29"), End: d("2024-02-29")},
			},
		},
		{
			desc:  "start after end",
			start: "2024-03-01",
			end:   "2024-02-01",
			want:  nil,
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			got := Monthly(d(test.start), d(test.end))
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("ranges differ:\n%s", diff)
			}
		})
	}
}

func TestDaily(t *testing.T) {
	got := Daily(d("2024-01-30"), d("2024-02-02"))
	want := []Range{
		{Start: d("2024-01-30"), End: d("2024-01-30")},
		{Start: d("2024-01-31"), End: d("2024-01-31")},
		{Start: d("2024-02-01"), End: d("2024-02-01")},
		{Start: d("2024-02-02"), End: d("2024-02-02")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ranges differ:\n%s", diff)
	}
	require.Nil(t, Daily(d("2024-02-02"), d("2024-01-30")))
}

func TestBatches(t *testing.T) {
	got := Batches(d("2024-01-01"), d("2024-01-10"), 4)
	want := []Range{
		{Start: d("2024-01-01"), End: d("2024-01-04")},
		{Start: d("2024-01-05"), End: d("2024-01-08")},
		{Start: d("2024-01-09"), End: d("2024-01-10")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ranges differ:\n%s", diff)
	}

	// non-positive size collapses to one window
	got = Batches(d("2024-01-01"), d("2024-01-10"), 0)
	require.Equal(t, []Range{{Start: d("2024-01-01"), End: d("2024-01-10")}}, got)
}

func TestRecent(t *testing.T) {
	now := time.Date(2024, 5, 20, 17, 42, 3, 0, time.UTC)
	r := Recent(now, 10)
	require.Equal(t, d("2024-05-10"), r.Start)
	require.Equal(t, d("2024-05-20"), r.End)
	require.Equal(t, 11, r.Days())
}

func TestBounds(t *testing.T) {
	r := Range{Start: d("2024-01-05"), End: d("2024-01-31")}
	require.Equal(t, "2024-01-05 00:00:00.000000", r.StartBound())
	require.Equal(t, "2024-01-31 23:59:59.999999", r.EndBound())
	require.Equal(t, "2024-01-05", r.StartDate())
	require.Equal(t, "2024-01-31", r.EndDate())
	require.Equal(t, "2024-01-05..2024-01-31", r.String())
}

func TestParseDay(t *testing.T) {
	_, err := ParseDay("20-01-2024")
	require.Error(t, err)
}

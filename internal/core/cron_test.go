package core

import (
	"errors"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "every minute", expr: "* * * * *"},
		{name: "weekday mornings", expr: "0 9 * * 1-5"},
		{name: "step values", expr: "*/15 * * * *"},
		{name: "ranges and lists", expr: "0 0,12 1 */2 *"},
		{name: "empty", expr: "", wantErr: true},
		{name: "too few fields", expr: "* * * *", wantErr: true},
		{name: "six fields", expr: "* * * * * *", wantErr: true},
		{name: "minute out of range", expr: "61 * * * *", wantErr: true},
		{name: "garbage", expr: "not a cron", wantErr: true},
		{name: "descriptor rejected", expr: "@hourly", wantErr: true},
		{name: "descriptor with spaces", expr: "  @daily", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseCron(tt.expr)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseCron(%q) expected error, got nil", tt.expr)
				}
				if !errors.Is(err, ErrInvalidSchedule) {
					t.Fatalf("ParseCron(%q) error = %v, want ErrInvalidSchedule", tt.expr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCron(%q) unexpected error: %v", tt.expr, err)
			}
		})
	}
}

func TestNextRunStrictlyAfter(t *testing.T) {
	t.Parallel()

	ref := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		ref  time.Time
		want time.Time
	}{
		{
			name: "exact boundary advances to next slot",
			expr: "0 9 * * *",
			ref:  ref,
			want: time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "every minute",
			expr: "* * * * *",
			ref:  time.Date(2024, 3, 10, 9, 0, 30, 0, time.UTC),
			want: time.Date(2024, 3, 10, 9, 1, 0, 0, time.UTC),
		},
		{
			name: "weekday filter skips the weekend",
			expr: "0 9 * * 1-5",
			ref:  time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC), // Friday after 9
			want: time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC), // Monday
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NextRun(tt.expr, tt.ref)
			if err != nil {
				t.Fatalf("NextRun(%q) unexpected error: %v", tt.expr, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextRun(%q, %v) = %v, want %v", tt.expr, tt.ref, got, tt.want)
			}
			if !got.After(tt.ref) {
				t.Fatalf("NextRun(%q, %v) = %v, not strictly after the reference", tt.expr, tt.ref, got)
			}
		})
	}
}

func TestNextRunInvalidExpression(t *testing.T) {
	t.Parallel()

	if _, err := NextRun("bad expr", time.Now()); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("NextRun error = %v, want ErrInvalidSchedule", err)
	}
}

func TestNextOccurrences(t *testing.T) {
	t.Parallel()

	schedule, err := ParseCron("*/10 * * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	base := time.Date(2024, 3, 10, 9, 5, 0, 0, time.UTC)
	times := NextOccurrences(schedule, base, 3)
	if len(times) != 3 {
		t.Fatalf("got %d occurrences, want 3", len(times))
	}
	want := []time.Time{
		time.Date(2024, 3, 10, 9, 10, 0, 0, time.UTC),
		time.Date(2024, 3, 10, 9, 20, 0, 0, time.UTC),
		time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC),
	}
	for i := range want {
		if !times[i].Equal(want[i]) {
			t.Fatalf("occurrence %d = %v, want %v", i, times[i], want[i])
		}
	}
}

func TestHumanReadableCron(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr string
		want string
	}{
		{"0 0 * * *", "Daily at midnight"},
		{"0 * * * *", "Every hour on the hour"},
		{"* * * * *", "Every minute"},
		{"30 4 * * 2", "30 4 * * 2"},
		{"not-a-cron", "not-a-cron"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			if got := HumanReadableCron(tt.expr); got != tt.want {
				t.Fatalf("HumanReadableCron(%q) = %q, want %q", tt.expr, got, tt.want)
			}
		})
	}
}

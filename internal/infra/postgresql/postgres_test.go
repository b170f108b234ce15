package postgresql

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestOptionsWithDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Options
		want Options
	}{
		{
			name: "zero value",
			want: Options{MaxOpenConns: 25, MaxIdleConns: 5, SlowThreshold: 500 * time.Millisecond},
		},
		{
			name: "idle capped by open",
			in:   Options{MaxOpenConns: 3, MaxIdleConns: 10, SlowThreshold: time.Second},
			want: Options{MaxOpenConns: 3, MaxIdleConns: 3, SlowThreshold: time.Second},
		},
		{
			name: "explicit values kept",
			in:   Options{MaxOpenConns: 40, MaxIdleConns: 8, SlowThreshold: 200 * time.Millisecond},
			want: Options{MaxOpenConns: 40, MaxIdleConns: 8, SlowThreshold: 200 * time.Millisecond},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.in.withDefaults(); got != tt.want {
				t.Fatalf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestGormLoggerWritesThroughZap(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	gl := newGormLogger(zap.New(core), time.Second)

	gl.Warn(t.Context(), "campaign %s slow", "c-1")
	gl.Info(t.Context(), "suppressed below warn")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].LoggerName != "gorm" {
		t.Fatalf("logger name = %q, want gorm", entries[0].LoggerName)
	}
	if got := entries[0].Message; !strings.Contains(got, "[warn] campaign c-1 slow") {
		t.Fatalf("message = %q", got)
	}
}

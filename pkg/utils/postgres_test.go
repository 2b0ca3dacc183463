package utils

import (
	"testing"
	"time"
)

func TestPostgresPoolDefaults(t *testing.T) {
	got := PostgresPool{}.withDefaults()
	if got.MaxOpen != 25 {
		t.Fatalf("MaxOpen = %d, want 25", got.MaxOpen)
	}
	if got.MaxIdle != got.MaxOpen {
		t.Fatalf("MaxIdle = %d, want MaxOpen (%d)", got.MaxIdle, got.MaxOpen)
	}
	if got.MaxLifetime != 30*time.Minute || got.MaxIdleTime != 5*time.Minute {
		t.Fatalf("lifetimes = %v/%v", got.MaxLifetime, got.MaxIdleTime)
	}
}

func TestPostgresPoolKeepsExplicitValues(t *testing.T) {
	in := PostgresPool{MaxOpen: 4, MaxIdle: 2, MaxLifetime: time.Minute, MaxIdleTime: time.Second}
	if got := in.withDefaults(); got != in {
		t.Fatalf("withDefaults changed explicit values: %+v", got)
	}
}

package clock_test

import (
	"testing"
	"time"

	"github.com/artpar/comparellm/adapters/clock"
)

func TestReal_NowIsUTC(t *testing.T) {
	before := time.Now()
	got := clock.Real{}.Now()

	if got.Location() != time.UTC {
		t.Errorf("Now() location = %v, want UTC", got.Location())
	}
	if got.Before(before.Add(-time.Second)) {
		t.Errorf("Now() = %v, too far behind %v", got, before)
	}
}

func TestFake_Advance(t *testing.T) {
	start := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}

	c.Advance(90 * time.Minute)

	if want := start.Add(90 * time.Minute); !c.Now().Equal(want) {
		t.Errorf("after Advance Now() = %v, want %v", c.Now(), want)
	}
}

package clock

import (
	"testing"
	"time"
)

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)
	tk := c.NewTicker(2 * time.Second)
	defer tk.Stop()

	c.Advance(time.Second)
	select {
	case <-tk.C:
		t.Fatal("ticker fired before its interval")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-tk.C:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("tick time = %v, want %v", got, start.Add(2*time.Second))
		}
	default:
		t.Fatal("ticker did not fire")
	}
}

func TestFakeAfterAndWaitForTimers(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		<-c.After(5 * time.Second)
		close(done)
	}()
	c.WaitForTimers(1)
	c.Advance(5 * time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("After did not fire")
	}
}

func TestFakeStoppedTickerIsNotPending(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)
	tk.Stop()
	c.Advance(3 * time.Second)
	select {
	case <-tk.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

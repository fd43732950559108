package tunnel

import (
	"sync"
	"testing"
	"time"
)

func TestLastValueGetReturnsInitial(t *testing.T) {
	lv := newLastValue(42)
	if got := lv.Get(); got != 42 {
		t.Errorf("Get() = %d, want 42", got)
	}
}

func TestLastValueSetUpdatesAndNotifies(t *testing.T) {
	lv := newLastValue("a")
	changed := lv.Changed()

	lv.Set("b")

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("Changed() channel did not close after Set")
	}
	if got := lv.Get(); got != "b" {
		t.Errorf("Get() = %q, want %q", got, "b")
	}
}

func TestLastValueKeepsOnlyMostRecent(t *testing.T) {
	lv := newLastValue(0)
	for i := 1; i <= 5; i++ {
		lv.Set(i)
	}
	if got := lv.Get(); got != 5 {
		t.Errorf("Get() = %d, want 5 (only the latest value should survive)", got)
	}
}

func TestLastValueConcurrentSetIsRaceFree(t *testing.T) {
	lv := newLastValue(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			lv.Set(n)
		}(i)
	}
	wg.Wait()
	_ = lv.Get() // must not panic or race
}

package mainloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsQuitCode(t *testing.T) {
	l := New()
	done := make(chan int, 1)
	go func() { done <- l.Run() }()

	l.Post(func() { l.Quit(7) })

	select {
	case code := <-done:
		assert.Equal(t, 7, code)
	case <-time.After(time.Second):
		t.Fatal("Run never returned")
	}
}

func TestQuitIsIdempotent(t *testing.T) {
	l := New()
	go func() { l.Run() }()
	l.Quit(1)
	l.Quit(2) // must not panic or block
}

func TestPostOrderingIsFIFO(t *testing.T) {
	l := New()
	var order []int
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			i := i
			l.Post(func() { order = append(order, i) })
		}
		l.Post(func() { close(done); l.Quit(0) })
		l.Run()
	}()

	<-done
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTimeEventFires(t *testing.T) {
	l := New()
	fired := make(chan struct{}, 1)
	go l.Run()
	defer l.Quit(0)

	l.NewTimeEvent(10*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("time event never fired")
	}
}

func TestTimeEventStopPreventsFire(t *testing.T) {
	l := New()
	fired := make(chan struct{}, 1)
	go l.Run()
	defer l.Quit(0)

	te := l.NewTimeEvent(20*time.Millisecond, func() { fired <- struct{}{} })
	te.Stop()

	select {
	case <-fired:
		t.Fatal("stopped time event fired anyway")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPeriodicEventFiresRepeatedly(t *testing.T) {
	l := New()
	count := make(chan struct{}, 8)
	go l.Run()
	defer l.Quit(0)

	te := l.NewPeriodicEvent(5*time.Millisecond, func() { count <- struct{}{} })
	defer te.Stop()

	for i := 0; i < 3; i++ {
		select {
		case <-count:
		case <-time.After(time.Second):
			t.Fatalf("periodic event only fired %d times", i)
		}
	}
}

func TestScheduleTimerSatisfiesTimerSourceShape(t *testing.T) {
	l := New()
	go l.Run()
	defer l.Quit(0)

	fired := make(chan struct{}, 1)
	timer := l.ScheduleTimer(5*time.Millisecond, func() { fired <- struct{}{} })
	require.NotNil(t, timer)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("scheduled timer never fired")
	}
	timer.Stop() // must not panic after firing
}

func TestDeferredEventRespectsEnabled(t *testing.T) {
	l := New()
	calls := make(chan struct{}, 4)
	go l.Run()
	defer l.Quit(0)

	de := l.NewDeferredEvent(func() { calls <- struct{}{} })
	de.Post()
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("enabled deferred event never ran")
	}

	de.SetEnabled(false)
	de.Post()
	select {
	case <-calls:
		t.Fatal("disabled deferred event ran anyway")
	case <-time.After(50 * time.Millisecond):
	}
}

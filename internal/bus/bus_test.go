package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// waitFor polls cond until it returns true or the deadline expires.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPublish_DeliversToSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []Event
	b.Subscribe(SpeechStart, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	if err := b.Publish(Event{Type: SpeechStart, SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].SessionID != "s1" {
		t.Errorf("session id = %q", got[0].SessionID)
	}
	if got[0].Time.IsZero() {
		t.Error("publish should stamp Time")
	}
}

func TestPublish_PerSessionOrdering(t *testing.T) {
	b := New()
	defer b.Close()

	const n = 200
	var mu sync.Mutex
	var order []int
	b.Subscribe(ResponseToken, func(ev Event) {
		mu.Lock()
		order = append(order, ev.Payload.(int))
		mu.Unlock()
	})

	for i := 0; i < n; i++ {
		if err := b.Publish(Event{Type: ResponseToken, SessionID: "s1", Payload: i}); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d; events must arrive in publish order", i, v)
		}
	}
}

func TestPublish_CrossSessionParallel(t *testing.T) {
	b := New()
	defer b.Close()

	// A slow handler on session "slow" must not delay session "fast".
	release := make(chan struct{})
	fastDone := make(chan struct{})
	b.Subscribe(SpeechStart, func(ev Event) {
		switch ev.SessionID {
		case "slow":
			<-release
		case "fast":
			close(fastDone)
		}
	})

	if err := b.Publish(Event{Type: SpeechStart, SessionID: "slow"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(Event{Type: SpeechStart, SessionID: "fast"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("fast session was blocked behind slow session")
	}
	close(release)
}

func TestPublish_HandlerPanicIsolated(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	delivered := 0
	b.Subscribe(ErrorEvent, func(Event) { panic("boom") })
	b.Subscribe(ErrorEvent, func(Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	if err := b.Publish(Event{Type: ErrorEvent, SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	})
}

func TestClose_RejectsFurtherPublishes(t *testing.T) {
	b := New()
	b.Close()
	if err := b.Publish(Event{Type: SpeechStart, SessionID: "s1"}); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestReleaseSession_DrainsPending(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	b.Subscribe(ResponseToken, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		if err := b.Publish(Event{Type: ResponseToken, SessionID: "s1", Payload: i}); err != nil {
			t.Fatal(err)
		}
	}
	b.ReleaseSession("s1")

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Fatalf("delivered %d events before release, want 10", count)
	}
}

func TestPauseType_String(t *testing.T) {
	tests := []struct {
		p    PauseType
		want string
	}{
		{PauseNaturalGap, "natural_gap"},
		{PauseShort, "short_pause"},
		{PauseEndOfThought, "end_of_thought"},
		{PauseUserWaiting, "user_waiting"},
		{PauseType(99), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.p.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPublish_ManySessionsConcurrent(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	perSession := make(map[string][]int)
	b.Subscribe(ResponseToken, func(ev Event) {
		mu.Lock()
		perSession[ev.SessionID] = append(perSession[ev.SessionID], ev.Payload.(int))
		mu.Unlock()
	})

	const sessions = 8
	const events = 50
	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", s)
			for i := 0; i < events; i++ {
				b.Publish(Event{Type: ResponseToken, SessionID: id, Payload: i})
			}
		}(s)
	}
	wg.Wait()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, v := range perSession {
			total += len(v)
		}
		return total == sessions*events
	})

	mu.Lock()
	defer mu.Unlock()
	for id, order := range perSession {
		for i, v := range order {
			if v != i {
				t.Fatalf("session %s: order[%d] = %d, ordering violated", id, i, v)
			}
		}
	}
}

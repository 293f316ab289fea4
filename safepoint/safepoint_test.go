// ABOUTME: Tests for the safepoint pause/resume protocol
// ABOUTME: Covers completeness of arrival, registration fencing, deregistration and violations

package safepoint

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prateek/stwgc/fault"
)

func quietProtocol() *Protocol {
	return New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

// spin runs a polling mutator until stop is closed
func spin(t *Thread, stop <-chan struct{}, polls *atomic.Int64, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}
		t.Poll()
		polls.Add(1)
	}
}

func expectViolation(t *testing.T, op string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		v, ok := r.(*fault.ProtocolViolation)
		if !ok {
			t.Errorf("expected ProtocolViolation from %s, got %T: %v", op, r, r)
			return
		}
		if v.Op != op {
			t.Errorf("violation op = %q, want %q", v.Op, op)
		}
	}()
	fn()
}

func TestPauseWithoutMutators(t *testing.T) {
	p := quietProtocol()

	p.RequestPause(nil)
	if p.State() != Paused {
		t.Fatalf("expected paused, got %v", p.State())
	}
	p.Resume()
	if p.State() != Running {
		t.Errorf("expected running, got %v", p.State())
	}
	if p.Epoch() != 1 {
		t.Errorf("expected epoch 1, got %d", p.Epoch())
	}
}

func TestPauseParksEveryMutator(t *testing.T) {
	p := quietProtocol()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	var polls atomic.Int64

	const n = 8
	threads := make([]*Thread, n)
	for i := range threads {
		threads[i] = p.Register()
		wg.Add(1)
		go spin(threads[i], stop, &polls, &wg)
	}

	for cycle := 0; cycle < 20; cycle++ {
		p.RequestPause(nil)

		if got := p.Arrived(); got != n {
			t.Fatalf("cycle %d: arrived = %d, want %d", cycle, got, n)
		}
		for _, th := range threads {
			if th.State() != AtSafepoint {
				t.Fatalf("cycle %d: thread %d is %v during pause", cycle, th.ID(), th.State())
			}
		}
		frozen := polls.Load()
		time.Sleep(time.Millisecond)
		if polls.Load() != frozen {
			t.Fatalf("cycle %d: mutators made progress while paused", cycle)
		}

		p.Resume()
		if p.Arrived() != 0 {
			t.Fatalf("cycle %d: arrival counter not reset", cycle)
		}
	}

	close(stop)
	wg.Wait()
	if p.Epoch() != 20 {
		t.Errorf("expected 20 completed pauses, got %d", p.Epoch())
	}
}

func TestArrivalsNeverExceedRegistered(t *testing.T) {
	p := quietProtocol()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	var polls atomic.Int64

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go spin(p.Register(), stop, &polls, &wg)
	}

	done := make(chan struct{})
	var exceeded atomic.Bool
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			p.mu.Lock()
			if p.arrived > p.registered {
				exceeded.Store(true)
			}
			p.mu.Unlock()
		}
	}()

	for i := 0; i < 50; i++ {
		p.RequestPause(nil)
		p.Resume()
	}
	close(stop)
	wg.Wait()
	<-done

	if exceeded.Load() {
		t.Error("arrival counter exceeded registered mutator count")
	}
}

func TestRegisterBlocksDuringPause(t *testing.T) {
	p := quietProtocol()
	p.RequestPause(nil)

	registered := make(chan *Thread)
	go func() { registered <- p.Register() }()

	select {
	case <-registered:
		t.Fatal("Register returned while the world was paused")
	case <-time.After(20 * time.Millisecond):
	}

	p.Resume()
	select {
	case th := <-registered:
		if p.Registered() != 1 {
			t.Errorf("expected 1 registered, got %d", p.Registered())
		}
		th.Deregister()
	case <-time.After(time.Second):
		t.Fatal("Register did not complete after Resume")
	}
}

func TestDeregisterDuringPauseRequest(t *testing.T) {
	p := quietProtocol()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	var polls atomic.Int64

	wg.Add(1)
	go spin(p.Register(), stop, &polls, &wg)

	// never polls, leaves while the coordinator waits
	quitter := p.Register()
	go func() {
		time.Sleep(20 * time.Millisecond)
		quitter.Deregister()
	}()

	paused := make(chan struct{})
	go func() {
		p.RequestPause(nil)
		close(paused)
	}()

	select {
	case <-paused:
	case <-time.After(2 * time.Second):
		t.Fatal("pause did not complete after the idle mutator deregistered")
	}
	if p.Registered() != 1 {
		t.Errorf("expected 1 registered, got %d", p.Registered())
	}
	p.Resume()

	close(stop)
	wg.Wait()
	quitter.Deregister() // idempotent
}

func TestSelfRequestedPause(t *testing.T) {
	p := quietProtocol()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	var polls atomic.Int64

	wg.Add(1)
	go spin(p.Register(), stop, &polls, &wg)

	self := p.Register()
	p.RequestPause(self)
	if self.State() != AtSafepoint {
		t.Errorf("requesting thread should count as at safepoint, got %v", self.State())
	}
	if p.Arrived() != 2 {
		t.Errorf("expected 2 arrivals, got %d", p.Arrived())
	}
	p.Resume()
	if self.State() != Active {
		t.Errorf("requesting thread should be active after resume, got %v", self.State())
	}

	self.Poll() // no pause: returns immediately
	close(stop)
	wg.Wait()
}

func TestPollFastPath(t *testing.T) {
	p := quietProtocol()
	th := p.Register()
	for i := 0; i < 1000; i++ {
		th.Poll()
	}
	if th.State() != Active {
		t.Errorf("expected active, got %v", th.State())
	}
	if p.PauseRequested() {
		t.Error("no pause should be requested")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStallWarning(t *testing.T) {
	var out syncBuffer
	p := New(Config{
		StallWarning: 5 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(&out, nil)),
	})

	slow := p.Register()
	go func() {
		time.Sleep(60 * time.Millisecond)
		slow.Poll()
	}()

	p.RequestPause(nil)
	p.Resume()

	if !strings.Contains(out.String(), "safepoint pause stalled") {
		t.Errorf("expected stall warning, got %q", out.String())
	}
}

func TestProtocolViolations(t *testing.T) {
	t.Run("resume while running", func(t *testing.T) {
		p := quietProtocol()
		expectViolation(t, "safepoint.Resume", p.Resume)
	})

	t.Run("nested pause", func(t *testing.T) {
		p := quietProtocol()
		p.RequestPause(nil)
		expectViolation(t, "safepoint.RequestPause", func() { p.RequestPause(nil) })
	})

	t.Run("poll after deregister", func(t *testing.T) {
		p := quietProtocol()
		th := p.Register()
		th.Deregister()
		other := p.Register()
		done := make(chan struct{})
		go func() {
			defer close(done)
			expectViolation(t, "safepoint.Poll", func() {
				for {
					th.Poll()
				}
			})
		}()
		// th sees the flag while the pause waits for other
		go p.RequestPause(nil)
		<-done
		other.Deregister()
	})
}

func TestSpawnDuringPauseRequestArrives(t *testing.T) {
	p := quietProtocol()
	parent := p.Register()

	paused := make(chan time.Duration)
	go func() { paused <- p.RequestPause(nil) }()
	for !p.PauseRequested() {
		time.Sleep(time.Millisecond)
	}

	spawned := make(chan *Thread)
	go func() { spawned <- parent.Spawn() }()

	// The parent counts as arrived, so the pause completes
	select {
	case <-paused:
	case <-time.After(2 * time.Second):
		t.Fatal("pause never completed while the parent was spawning")
	}
	if parent.State() != AtSafepoint {
		t.Errorf("parent state = %v, want at-safepoint", parent.State())
	}
	select {
	case <-spawned:
		t.Fatal("Spawn returned while the world was paused")
	default:
	}

	p.Resume()
	select {
	case child := <-spawned:
		if p.Registered() != 2 {
			t.Errorf("expected 2 registered, got %d", p.Registered())
		}
		if parent.State() != Active {
			t.Errorf("parent state = %v after resume, want active", parent.State())
		}
		child.Deregister()
	case <-time.After(time.Second):
		t.Fatal("Spawn did not complete after Resume")
	}
	parent.Deregister()
}

func TestSpawnWhileRunning(t *testing.T) {
	p := quietProtocol()
	parent := p.Register()
	child := parent.Spawn()
	if child.ID() == parent.ID() {
		t.Error("child should get its own ID")
	}
	if p.Registered() != 2 {
		t.Errorf("expected 2 registered, got %d", p.Registered())
	}

	parent.Deregister()
	expectViolation(t, "safepoint.Spawn", func() { parent.Spawn() })
	child.Deregister()
}

package registry

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestRegistry() *Registry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return New(l)
}

func TestCreateOrGetIdempotent(t *testing.T) {
	r := newTestRegistry()

	snap, created := r.CreateOrGet("c1", func(s *CallSession) {
		s.Transport = "webhook"
		s.FromNumber = "+15551234567"
	})
	if !created {
		t.Fatalf("first CreateOrGet: created = false, want true")
	}
	if snap.State != StateSetup {
		t.Errorf("new session state = %q, want %q", snap.State, StateSetup)
	}

	snap2, created2 := r.CreateOrGet("c1", func(s *CallSession) {
		s.FromNumber = "overwritten"
	})
	if created2 {
		t.Fatalf("second CreateOrGet: created = true, want false")
	}
	if snap2.FromNumber != "+15551234567" {
		t.Errorf("init ran on existing session: from = %q", snap2.FromNumber)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestWithLockUnknownCallIsNoOp(t *testing.T) {
	r := newTestRegistry()
	ran := false
	if ok := r.WithLock("ghost", func(*CallSession) { ran = true }); ok {
		t.Fatalf("WithLock on unknown call returned true")
	}
	if ran {
		t.Errorf("fn ran for unknown call")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	r := newTestRegistry()
	r.CreateOrGet("c1", nil)

	if !r.Remove("c1") {
		t.Fatalf("Remove existing = false, want true")
	}
	if r.Remove("c1") {
		t.Fatalf("second Remove = true, want false")
	}
	if r.Count() != 0 {
		t.Errorf("Count() after removal = %d, want 0", r.Count())
	}
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	r := newTestRegistry()
	r.CreateOrGet("c1", nil)

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			r.WithLock("c1", func(s *CallSession) {
				s.AudioIn = append(s.AudioIn, 0x7f)
			})
		}()
	}
	wg.Wait()

	r.WithLock("c1", func(s *CallSession) {
		if len(s.AudioIn) != n {
			t.Errorf("buffer length = %d, want %d", len(s.AudioIn), n)
		}
	})
}

func TestListActiveSnapshots(t *testing.T) {
	r := newTestRegistry()
	r.CreateOrGet("a", func(s *CallSession) { s.Transport = "sip" })
	r.CreateOrGet("b", func(s *CallSession) { s.Transport = "webhook" })

	snaps := r.ListActive()
	if len(snaps) != 2 {
		t.Fatalf("ListActive returned %d sessions, want 2", len(snaps))
	}
	seen := map[string]string{}
	for _, s := range snaps {
		seen[s.CallID] = s.Transport
	}
	if seen["a"] != "sip" || seen["b"] != "webhook" {
		t.Errorf("snapshots = %v", seen)
	}
}

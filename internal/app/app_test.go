package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Poker/internal/core"
	"github.com/dkeye/Poker/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
)

type fakeEndpoint struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (e *fakeEndpoint) TrySend(f core.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.full || e.closed {
		return errors.New("backpressure")
	}
	e.frames = append(e.frames, f)
	return nil
}

func (e *fakeEndpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

func (e *fakeEndpoint) types(t *testing.T) []string {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.frames))
	for _, f := range e.frames {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(f, &env); err != nil {
			t.Fatalf("bad frame %s: %v", f, err)
		}
		out = append(out, env.Type)
	}
	return out
}

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	reg.Attach("c1", &fakeEndpoint{}, nil)

	if err := reg.Register("c1", "r1", "u1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("c1", "r1", "u1"); err != nil {
		t.Fatalf("repeat register must be a no-op, got %v", err)
	}
	if err := reg.Register("c1", "r2", "u1"); !errors.Is(err, domain.ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}
	if got := len(reg.ConnectionsOf("r1")); got != 1 {
		t.Fatalf("expected 1 connection in r1, got %d", got)
	}

	b, ok := reg.Unregister("c1")
	if !ok || b != (Binding{Room: "r1", Member: "u1"}) {
		t.Fatalf("unexpected unregister result %+v %v", b, ok)
	}
	if _, ok := reg.Unregister("c1"); ok {
		t.Fatal("second unregister must report not found")
	}
	if got := len(reg.ConnectionsOf("r1")); got != 0 {
		t.Fatalf("expected empty room index, got %d", got)
	}
}

func TestRegistryConcurrentRegister(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := domain.ConnectionID(fmt.Sprintf("c%d", i))
			reg.Attach(id, &fakeEndpoint{}, nil)
			if err := reg.Register(id, "r", domain.MemberID(fmt.Sprintf("u%d", i%10))); err != nil {
				t.Errorf("register %s: %v", id, err)
			}
			if i%2 == 0 {
				reg.Unregister(id)
			}
		}(i)
	}
	wg.Wait()
	if got := len(reg.ConnectionsOf("r")); got != 50 {
		t.Fatalf("expected 50 connections, got %d", got)
	}
}

func TestRoomManagerCreatesExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	built := 0
	rooms := NewRoomManager(func(id domain.RoomID) core.RoomService {
		mu.Lock()
		built++
		mu.Unlock()
		return core.NewRoomSession(id, core.SessionOptions{})
	})

	const n = 64
	got := make([]core.RoomService, n)
	createdCount := 0
	var cmu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, created := rooms.GetOrCreate("42")
			got[i] = r
			if created {
				cmu.Lock()
				createdCount++
				cmu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if built != 1 || createdCount != 1 {
		t.Fatalf("expected one construction, built=%d created=%d", built, createdCount)
	}
	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatal("callers observed different sessions")
		}
	}

	if !rooms.Remove("42") || rooms.Remove("42") {
		t.Fatal("remove must succeed exactly once")
	}
	if _, ok := rooms.Get("42"); ok {
		t.Fatal("room still present after remove")
	}
}

func TestRoomManagerListIsSorted(t *testing.T) {
	rooms := NewRoomManager(nil)
	for _, id := range []domain.RoomID{"b", "a", "c"} {
		rooms.GetOrCreate(id)
	}
	var ids []domain.RoomID
	for _, info := range rooms.List() {
		ids = append(ids, info.ID)
	}
	if diff := cmp.Diff([]domain.RoomID{"a", "b", "c"}, ids); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}
}

func routedRoom(t *testing.T, policy Policy) (core.RoomService, *Registry, map[domain.ConnectionID]*fakeEndpoint) {
	t.Helper()
	reg := NewRegistry()
	router := NewRouter(reg, policy)
	room := core.NewRoomSession("42", core.SessionOptions{Sink: &Dispatcher{Router: router}})
	eps := map[domain.ConnectionID]*fakeEndpoint{}
	join := func(conn domain.ConnectionID, member domain.MemberID, name string) {
		eps[conn] = &fakeEndpoint{}
		reg.Attach(conn, eps[conn], nil)
		if err := reg.Register(conn, "42", member); err != nil {
			t.Fatalf("register: %v", err)
		}
		if _, _, err := room.Join(member, name, conn); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	join("ca", "alice", "Alice")
	join("cb", "bob", "Bob")
	return room, reg, eps
}

func TestRouterAddressing(t *testing.T) {
	room, _, eps := routedRoom(t, nil)
	if _, err := room.Vote("alice", "5"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	room.Reveal()

	wantA := []string{"welcome", "member-joined", "vote-cast", "revealed"}
	wantB := []string{"welcome", "vote-cast", "revealed"}
	if diff := cmp.Diff(wantA, eps["ca"].types(t)); diff != "" {
		t.Fatalf("alice frames mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantB, eps["cb"].types(t)); diff != "" {
		t.Fatalf("bob frames mismatch (-want +got):\n%s", diff)
	}
}

func TestRouterKicksSlowConnection(t *testing.T) {
	room, _, eps := routedRoom(t, SimplePolicy{})
	eps["cb"].mu.Lock()
	eps["cb"].full = true
	eps["cb"].mu.Unlock()

	room.Reset()
	if !eps["cb"].closed {
		t.Fatal("slow connection must be closed")
	}
	if eps["ca"].closed {
		t.Fatal("healthy connection must stay open")
	}
}

func TestRouterLenientPolicyKeepsConnection(t *testing.T) {
	room, _, eps := routedRoom(t, LenientPolicy{})
	eps["cb"].full = true
	room.Reset()
	if eps["cb"].closed {
		t.Fatal("lenient policy must not close")
	}
}

type flakyWriter struct {
	mu       sync.Mutex
	failures int
	writes   []string
}

func (w *flakyWriter) MergeField(_ context.Context, room domain.RoomID, fw domain.FieldWrite) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("store down")
	}
	w.writes = append(w.writes, string(room)+":"+fw.Path.String())
	return nil
}

func TestPersisterRetriesWithBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	writer := &flakyWriter{failures: 2}
	p := NewPersister(writer, PersisterConfig{Workers: 1, MaxRetries: 3, RetryDelay: time.Second}, clock)
	done := make(chan error, 1)
	p.written = func(_ domain.RoomID, _ uint64, err error) { done <- err }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Enqueue("r", 1, []domain.FieldWrite{
		{Path: domain.RevealedPath(), Value: true},
		{Path: domain.VersionPath(), Value: uint64(1)},
	})

	// first retry waits 1s, second waits 2s
	for _, d := range []time.Duration{time.Second, 2 * time.Second} {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatal(err)
		}
		clock.Advance(d)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success after retries, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("batch never completed")
	}
	writer.mu.Lock()
	defer writer.mu.Unlock()
	if diff := cmp.Diff([]string{"r:revealed", "r:version"}, writer.writes); diff != "" {
		t.Fatalf("writes mismatch (-want +got):\n%s", diff)
	}
}

func TestPersisterGivesUpAndSkipsVersion(t *testing.T) {
	clock := clockwork.NewFakeClock()
	writer := &flakyWriter{failures: 100}
	p := NewPersister(writer, PersisterConfig{Workers: 1, MaxRetries: 1, RetryDelay: time.Second}, clock)
	done := make(chan error, 1)
	p.written = func(_ domain.RoomID, _ uint64, err error) { done <- err }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Enqueue("r", 1, []domain.FieldWrite{
		{Path: domain.RevealedPath(), Value: true},
		{Path: domain.VersionPath(), Value: uint64(1)},
	})
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)

	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrPersistenceUnavailable) {
			t.Fatalf("expected ErrPersistenceUnavailable, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("batch never completed")
	}
	if st := p.Stats(); st.Failed != 1 {
		t.Fatalf("expected one failed batch, got %+v", st)
	}
	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.writes) != 0 {
		t.Fatalf("nothing may land after a failed field, got %v", writer.writes)
	}
}

func TestPersisterKeepsRoomOrder(t *testing.T) {
	writer := &flakyWriter{}
	p := NewPersister(writer, PersisterConfig{Workers: 4, QueueSize: 64}, nil)
	var wg sync.WaitGroup
	wg.Add(20)
	p.written = func(domain.RoomID, uint64, error) { wg.Done() }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	for v := uint64(1); v <= 10; v++ {
		for _, room := range []domain.RoomID{"a", "b"} {
			p.Enqueue(room, v, []domain.FieldWrite{{Path: domain.FieldPath{fmt.Sprintf("f%02d", v)}, Value: v}})
		}
	}
	wg.Wait()

	writer.mu.Lock()
	defer writer.mu.Unlock()
	perRoom := map[string][]string{}
	for _, w := range writer.writes {
		perRoom[w[:1]] = append(perRoom[w[:1]], w[2:])
	}
	for room, fields := range perRoom {
		if !sort.StringsAreSorted(fields) {
			t.Fatalf("room %s written out of order: %v", room, fields)
		}
	}
}

func TestPersisterDropsWhenQueueFull(t *testing.T) {
	p := NewPersister(&flakyWriter{}, PersisterConfig{Workers: 1, QueueSize: 1}, nil)
	w := []domain.FieldWrite{{Path: domain.VersionPath(), Value: uint64(1)}}
	p.Enqueue("r", 1, w)
	p.Enqueue("r", 2, w)
	if st := p.Stats(); st.Dropped != 1 {
		t.Fatalf("expected one dropped batch, got %+v", st)
	}
}

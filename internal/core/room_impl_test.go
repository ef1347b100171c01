package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Poker/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Emit(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) kinds() []domain.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (s *recordingSink) all() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

func newTestRoom(t *testing.T, id domain.RoomID) (RoomService, *recordingSink, *clockwork.FakeClock) {
	t.Helper()
	sink := &recordingSink{}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return NewRoomSession(id, SessionOptions{Clock: clock, Sink: sink}), sink, clock
}

func TestJoinEmitsWelcomeThenMemberJoined(t *testing.T) {
	room, sink, _ := newTestRoom(t, "42")

	snap, welcome, err := room.Join("alice", "Alice", "c1")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("expected version 1, got %d", snap.Version)
	}
	if welcome.Message != "Welcome to room 42, Alice" {
		t.Fatalf("unexpected welcome message %q", welcome.Message)
	}
	want := []domain.EventKind{domain.EventWelcome, domain.EventMemberJoined}
	if diff := cmp.Diff(want, sink.kinds()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	for _, ev := range sink.all() {
		if ev.Origin != "c1" || ev.RoomID != "42" {
			t.Fatalf("unexpected event routing %+v", ev)
		}
	}
}

func TestJoinIsIdempotentAndKeepsVote(t *testing.T) {
	room, _, _ := newTestRoom(t, "r")

	if _, _, err := room.Join("u1", "Ann", "c1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := room.Vote("u1", "5"); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	snap, _, err := room.Join("u1", "Ann", "c2")
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if len(snap.Members) != 1 {
		t.Fatalf("expected one member, got %d", len(snap.Members))
	}
	if v, ok := snap.VoteOf("u1"); !ok || v != "5" {
		t.Fatalf("expected vote 5 to survive rejoin, got %q %v", v, ok)
	}
}

func TestJoinNormalizesDisplayName(t *testing.T) {
	room, _, _ := newTestRoom(t, "r")

	snap, _, err := room.Join("u1", "   ", "c1")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if got := snap.Members["u1"].DisplayName; got != "u1" {
		t.Fatalf("expected blank name to fall back to id, got %q", got)
	}
	if _, _, err := room.Join("", "x", "c2"); !errors.Is(err, domain.ErrMemberIDEmpty) {
		t.Fatalf("expected ErrMemberIDEmpty, got %v", err)
	}
}

func TestVoteRejectsValuesOutsideDeck(t *testing.T) {
	room, sink, _ := newTestRoom(t, "r")
	if _, _, err := room.Join("u1", "Ann", "c1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	before := len(sink.all())

	if _, err := room.Vote("u1", "7"); !errors.Is(err, domain.ErrInvalidVote) {
		t.Fatalf("expected ErrInvalidVote, got %v", err)
	}
	if got := len(sink.all()); got != before {
		t.Fatalf("rejected vote must not emit, got %d new events", got-before)
	}
	if v := room.Snapshot().Version; v != 1 {
		t.Fatalf("rejected vote must not bump version, got %d", v)
	}
}

func TestVoteUnknownMemberIsNotFound(t *testing.T) {
	room, _, _ := newTestRoom(t, "r")
	if _, err := room.Vote("ghost", "5"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVoteCastWithholdsValue(t *testing.T) {
	room, sink, _ := newTestRoom(t, "r")
	_, _, _ = room.Join("u1", "Ann", "c1")
	if _, err := room.Vote("u1", "13"); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	events := sink.all()
	last := events[len(events)-1]
	if last.Kind != domain.EventVoteCast {
		t.Fatalf("expected vote-cast, got %s", last.Kind)
	}
	want := domain.VoteCastPayload{MemberID: "u1", HasVoted: true, Version: 2}
	if diff := cmp.Diff(want, last.Payload); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
	pub := room.Snapshot().Public()
	if pub.Members[0].Vote != nil {
		t.Fatalf("vote must be hidden before reveal")
	}
	if !pub.Members[0].HasVoted {
		t.Fatalf("expected hasVoted")
	}
}

func TestConcurrentVotesAreNotLost(t *testing.T) {
	room, sink, _ := newTestRoom(t, "r")
	const n = 50
	for i := 0; i < n; i++ {
		id := domain.MemberID(fmt.Sprintf("m%d", i))
		if _, _, err := room.Join(id, "", ""); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := domain.MemberID(fmt.Sprintf("m%d", i))
			if _, err := room.Vote(id, "8"); err != nil {
				t.Errorf("vote failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	snap := room.Snapshot()
	for i := 0; i < n; i++ {
		id := domain.MemberID(fmt.Sprintf("m%d", i))
		if v, ok := snap.VoteOf(id); !ok || v != "8" {
			t.Fatalf("vote of %s lost", id)
		}
	}
	if snap.Version != 2*n {
		t.Fatalf("expected version %d, got %d", 2*n, snap.Version)
	}

	var last uint64
	for _, ev := range sink.all() {
		if ev.Version < last {
			t.Fatalf("events out of version order: %d after %d", ev.Version, last)
		}
		last = ev.Version
	}
}

func TestRevealAndReset(t *testing.T) {
	room, sink, _ := newTestRoom(t, "42")
	_, _, _ = room.Join("alice", "Alice", "c1")
	_, _, _ = room.Join("bob", "Bob", "c2")
	_, _ = room.Vote("alice", "5")
	_, _ = room.Vote("bob", "8")

	snap := room.Reveal()
	if !snap.Revealed || snap.State() != domain.RoomRevealed {
		t.Fatalf("expected revealed room")
	}
	events := sink.all()
	revealed := events[len(events)-1].Payload.(domain.RevealedPayload)
	five, eight := domain.Vote("5"), domain.Vote("8")
	want := map[domain.MemberID]*domain.Vote{"alice": &five, "bob": &eight}
	if diff := cmp.Diff(want, revealed.Votes); diff != "" {
		t.Fatalf("revealed votes mismatch (-want +got):\n%s", diff)
	}

	again := room.Reveal()
	if again.Version != snap.Version+1 {
		t.Fatalf("reveal is expected to re-emit with a new version")
	}
	events = sink.all()
	revealedAgain := events[len(events)-1].Payload.(domain.RevealedPayload)
	if diff := cmp.Diff(revealed.Votes, revealedAgain.Votes); diff != "" {
		t.Fatalf("second reveal changed the votes (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(snap.RevealedVotes, again.RevealedVotes); diff != "" {
		t.Fatalf("second reveal changed the snapshot (-first +second):\n%s", diff)
	}

	reset := room.Reset()
	if reset.Revealed {
		t.Fatalf("reset must clear revealed")
	}
	for id := range reset.Members {
		if _, ok := reset.VoteOf(id); ok {
			t.Fatalf("reset must clear vote of %s", id)
		}
	}
	if reset.RevealedVotes != nil {
		t.Fatalf("reset must drop revealed votes")
	}
}

func TestVoteAfterRevealIsHiddenUntilNextReveal(t *testing.T) {
	room, _, _ := newTestRoom(t, "r")
	_, _, _ = room.Join("u1", "Ann", "c1")
	_, _ = room.Vote("u1", "3")
	room.Reveal()
	_, _ = room.Vote("u1", "5")

	pub := room.Snapshot().Public()
	if got := pub.Members[0].Vote; got == nil || *got != "3" {
		t.Fatalf("expected reveal-time vote 3, got %v", got)
	}
	room.Reveal()
	pub = room.Snapshot().Public()
	if got := pub.Members[0].Vote; got == nil || *got != "5" {
		t.Fatalf("expected re-revealed vote 5, got %v", got)
	}
}

func TestMemberJoiningAfterRevealShowsNoVote(t *testing.T) {
	room, _, _ := newTestRoom(t, "r")
	_, _, _ = room.Join("u1", "Ann", "c1")
	_, _ = room.Vote("u1", "3")
	room.Reveal()

	_, _, _ = room.Join("u2", "Bo", "c2")
	_, _ = room.Vote("u2", "8")

	pub := room.Snapshot().Public()
	late := pub.Members[1]
	if late.ID != "u2" || !late.HasVoted {
		t.Fatalf("expected u2 to have voted, got %+v", late)
	}
	if late.Vote != nil {
		t.Fatalf("late member must show no vote until the next reveal, got %q", *late.Vote)
	}
	room.Reveal()
	pub = room.Snapshot().Public()
	if got := pub.Members[1].Vote; got == nil || *got != "8" {
		t.Fatalf("expected u2's vote after the next reveal, got %v", got)
	}
}

func TestRevealPersistsRevealTimeVotes(t *testing.T) {
	room, sink, _ := newTestRoom(t, "r")
	_, _, _ = room.Join("u1", "Ann", "c1")
	_, _, _ = room.Join("u2", "Bo", "c2")
	_, _ = room.Vote("u1", "5")
	room.Reveal()

	doc := domain.NewDocument()
	for _, ev := range sink.all() {
		for _, w := range ev.Writes {
			raw, err := w.Encode()
			if err != nil {
				t.Fatal(err)
			}
			if err := doc.Apply(w.Path, raw); err != nil {
				t.Fatal(err)
			}
		}
	}
	// a vote changed after the reveal must not leak into the stored reveal
	_, _ = room.Vote("u1", "13")
	evs := sink.all()
	for _, w := range evs[len(evs)-1].Writes {
		raw, _ := w.Encode()
		_ = doc.Apply(w.Path, raw)
	}

	five := domain.Vote("5")
	stored := doc.Snapshot("r")
	want := map[domain.MemberID]*domain.Vote{"u1": &five, "u2": nil}
	if diff := cmp.Diff(want, stored.RevealedVotes); diff != "" {
		t.Fatalf("stored reveal mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(room.Snapshot().Public(), stored.Public(), cmpopts.IgnoreFields(domain.PublicMember{}, "Online")); diff != "" {
		t.Fatalf("stored state renders differently (-live +stored):\n%s", diff)
	}

	room.Reset()
	evs = sink.all()
	for _, w := range evs[len(evs)-1].Writes {
		raw, _ := w.Encode()
		_ = doc.Apply(w.Path, raw)
	}
	for id, m := range doc.Members {
		if m.RevealedVote != nil || m.Vote != nil {
			t.Fatalf("reset must clear stored votes of %s, got %+v", id, m)
		}
	}
}

func TestLeaveConnectionKeepsMemberUntilLastConnection(t *testing.T) {
	room, sink, _ := newTestRoom(t, "r")
	_, _, _ = room.Join("u1", "Ann", "c1")
	_, _, _ = room.Join("u1", "Ann", "c2")
	_, _ = room.Vote("u1", "2")

	snap, left := room.LeaveConnection("c1", "u1")
	if !left || !snap.Members["u1"].Online {
		t.Fatalf("member should still be online via c2")
	}
	if sink.kinds()[len(sink.kinds())-1] == domain.EventMemberOffline {
		t.Fatalf("no offline event while a connection remains")
	}

	snap, left = room.LeaveConnection("c2", "u1")
	if !left || snap.Members["u1"].Online {
		t.Fatalf("member should be offline")
	}
	if v, ok := snap.VoteOf("u1"); !ok || v != "2" {
		t.Fatalf("vote must survive disconnect")
	}
	kinds := sink.kinds()
	if kinds[len(kinds)-1] != domain.EventMemberOffline {
		t.Fatalf("expected member-offline, got %s", kinds[len(kinds)-1])
	}

	if _, left := room.LeaveConnection("c9", "u1"); left {
		t.Fatalf("unknown connection must be a no-op")
	}
}

func TestWritesEndWithVersion(t *testing.T) {
	room, sink, clock := newTestRoom(t, "r")
	_, _, _ = room.Join("u1", "Ann", "c1")
	clock.Advance(time.Second)
	_, _ = room.Vote("u1", "1")
	room.Reveal()
	room.Reset()

	for _, ev := range sink.all() {
		if len(ev.Writes) == 0 {
			continue
		}
		last := ev.Writes[len(ev.Writes)-1]
		if !last.Path.IsVersion() || last.Value != ev.Version {
			t.Fatalf("%s: last write must be version %d, got %s=%v", ev.Kind, ev.Version, last.Path, last.Value)
		}
	}
	if got := room.Snapshot().UpdatedAt; !got.Equal(clock.Now()) {
		t.Fatalf("expected updatedAt from clock, got %v", got)
	}
}

func TestHydrateRunsOnceAndAdoptsNewer(t *testing.T) {
	room, _, _ := newTestRoom(t, "r")
	five := domain.Vote("5")
	durable := &domain.Snapshot{
		RoomID:  "r",
		Members: map[domain.MemberID]domain.Member{"u1": {ID: "u1", DisplayName: "Ann", Vote: &five}},
		Version: 7,
	}
	calls := 0
	load := func() (*domain.Snapshot, error) {
		calls++
		return durable, nil
	}
	if err := room.Hydrate(load); err != nil {
		t.Fatalf("hydrate failed: %v", err)
	}
	if err := room.Hydrate(load); err != nil {
		t.Fatalf("second hydrate failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one load, got %d", calls)
	}
	snap := room.Snapshot()
	if snap.Version != 7 {
		t.Fatalf("expected hydrated version 7, got %d", snap.Version)
	}
	if snap.Members["u1"].Online {
		t.Fatalf("hydrated members start offline")
	}

	// u1 reconnects and keeps the stored vote.
	snap, _, _ = room.Join("u1", "Ann", "c1")
	if v, ok := snap.VoteOf("u1"); !ok || v != "5" || snap.Version != 8 {
		t.Fatalf("unexpected state after reconnect: vote=%q version=%d", v, snap.Version)
	}
}

func TestHydrateRetriesAfterFailedLoad(t *testing.T) {
	room, sink, _ := newTestRoom(t, "r")
	if err := room.Hydrate(func() (*domain.Snapshot, error) {
		return nil, errors.New("store down")
	}); err == nil {
		t.Fatal("expected the load error")
	}

	// the room keeps serving from memory meanwhile
	_, _, _ = room.Join("u1", "Ann", "c1")

	durable := &domain.Snapshot{
		RoomID:  "r",
		Members: map[domain.MemberID]domain.Member{"old": {ID: "old", DisplayName: "Olga"}},
		Version: 7,
	}
	calls := 0
	load := func() (*domain.Snapshot, error) {
		calls++
		return durable, nil
	}
	if err := room.Hydrate(load); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if err := room.Hydrate(load); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one successful load, got %d", calls)
	}

	snap := room.Snapshot()
	if snap.Version != 7 {
		t.Fatalf("expected stored version 7, got %d", snap.Version)
	}
	if _, ok := snap.Members["old"]; !ok {
		t.Fatal("stored member missing after late hydration")
	}
	if !snap.Members["u1"].Online {
		t.Fatal("late hydration must keep local members and connections")
	}
	kinds := sink.kinds()
	if kinds[len(kinds)-1] != domain.EventSync {
		t.Fatalf("late hydration must resync clients, got %s", kinds[len(kinds)-1])
	}
}

func TestAdoptIgnoresStaleVersions(t *testing.T) {
	room, sink, _ := newTestRoom(t, "r")
	_, _, _ = room.Join("u1", "Ann", "c1")
	_, _ = room.Vote("u1", "3")

	if room.Adopt(domain.Snapshot{Version: 2}) {
		t.Fatalf("equal version must be ignored")
	}

	bad := domain.Vote("7")
	remote := domain.Snapshot{
		Members: map[domain.MemberID]domain.Member{
			"u2": {ID: "u2", DisplayName: "Bo", Vote: &bad},
		},
		Version: 10,
	}
	if !room.Adopt(remote) {
		t.Fatalf("newer snapshot must be adopted")
	}
	snap := room.Snapshot()
	if _, ok := snap.Members["u1"]; !ok {
		t.Fatalf("adopt must not drop local members")
	}
	if !snap.Members["u1"].Online {
		t.Fatalf("adopt must keep local connections")
	}
	if _, ok := snap.VoteOf("u2"); ok {
		t.Fatalf("out-of-deck vote must be discarded")
	}
	kinds := sink.kinds()
	if kinds[len(kinds)-1] != domain.EventSync {
		t.Fatalf("expected sync event, got %s", kinds[len(kinds)-1])
	}
}

package hive

import (
	"context"
	"testing"

	"github.com/basket/hive/internal/hiveerr"
)

func mustCreate(t *testing.T, s *Store, id, title string) {
	t.Helper()
	if _, err := s.CreateBead(context.Background(), testProject, CreateBeadParams{ID: id, Title: title}); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func mustDepend(t *testing.T, s *Store, bead, dependsOn string) {
	t.Helper()
	if err := s.AddDependency(context.Background(), testProject, bead, dependsOn, RelBlocks); err != nil {
		t.Fatalf("depend %s -> %s: %v", bead, dependsOn, err)
	}
}

func TestCycleRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "bd-1", "one")
	mustCreate(t, s, "bd-2", "two")
	mustCreate(t, s, "bd-3", "three")
	mustDepend(t, s, "bd-1", "bd-2")
	mustDepend(t, s, "bd-2", "bd-3")

	err := s.AddDependency(ctx, testProject, "bd-3", "bd-1", RelBlocks)
	if !hiveerr.Is(err, hiveerr.KindCycle) {
		t.Fatalf("err = %v, want Cycle", err)
	}

	// The rejected edge must not exist, and no event may have leaked.
	deps, err := s.GetDependencies(ctx, "bd-3")
	if err != nil {
		t.Fatalf("deps: %v", err)
	}
	if len(deps) != 0 {
		t.Fatalf("bd-3 deps = %+v, want none", deps)
	}
	events, err := s.ReadEvents(ctx, EventFilter{Project: testProject, Types: []string{EvBeadDependencyAdded}})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("dependency events = %d, want 2", len(events))
	}
}

func TestSelfCycleRejected(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "bd-1", "one")
	err := s.AddDependency(context.Background(), testProject, "bd-1", "bd-1", RelBlocks)
	if !hiveerr.Is(err, hiveerr.KindCycle) {
		t.Fatalf("err = %v, want Cycle", err)
	}
}

func TestRelatedEdgesCarryNoTraversal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "bd-1", "one")
	mustCreate(t, s, "bd-2", "two")
	if err := s.AddDependency(ctx, testProject, "bd-1", "bd-2", RelRelated); err != nil {
		t.Fatalf("related: %v", err)
	}
	// A "cycle" through a related edge is legal.
	if err := s.AddDependency(ctx, testProject, "bd-2", "bd-1", RelRelated); err != nil {
		t.Fatalf("related reverse: %v", err)
	}
	blockers, err := s.GetBlockers(ctx, "bd-1")
	if err != nil {
		t.Fatalf("blockers: %v", err)
	}
	if len(blockers) != 0 {
		t.Fatalf("related edge produced blockers: %v", blockers)
	}
}

func TestBlockedByStoredAsInverse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "bd-1", "one")
	mustCreate(t, s, "bd-2", "two")
	if err := s.AddDependency(ctx, testProject, "bd-2", "bd-1", "blocked-by"); err != nil {
		t.Fatalf("blocked-by: %v", err)
	}
	deps, err := s.GetDependencies(ctx, "bd-1")
	if err != nil {
		t.Fatalf("deps: %v", err)
	}
	if len(deps) != 1 || deps[0].DependsOnID != "bd-2" || deps[0].Relationship != RelBlocks {
		t.Fatalf("deps = %+v, want bd-1 blocks-depends-on bd-2", deps)
	}
}

func TestTransitiveBlockersAndCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "bd-a", "a")
	mustCreate(t, s, "bd-b", "b")
	mustCreate(t, s, "bd-c", "c")
	mustDepend(t, s, "bd-a", "bd-b")
	mustDepend(t, s, "bd-b", "bd-c")

	blockers, err := s.GetBlockers(ctx, "bd-a")
	if err != nil {
		t.Fatalf("blockers: %v", err)
	}
	if len(blockers) != 2 {
		t.Fatalf("bd-a blockers = %v, want bd-b and bd-c", blockers)
	}

	// Closing the leaf clears it from the transitive set.
	if err := s.CloseBead(ctx, testProject, "bd-c", "done", nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	blockers, err = s.GetBlockers(ctx, "bd-a")
	if err != nil {
		t.Fatalf("blockers: %v", err)
	}
	if len(blockers) != 1 || blockers[0] != "bd-b" {
		t.Fatalf("bd-a blockers = %v, want [bd-b]", blockers)
	}

	// Closing the middle unblocks entirely: cache row disappears.
	if err := s.CloseBead(ctx, testProject, "bd-b", "done", nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	blockers, err = s.GetBlockers(ctx, "bd-a")
	if err != nil {
		t.Fatalf("blockers: %v", err)
	}
	if len(blockers) != 0 {
		t.Fatalf("bd-a blockers = %v, want none", blockers)
	}

	// Reopening re-blocks.
	if err := s.ReopenBead(ctx, testProject, "bd-b"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	blockers, err = s.GetBlockers(ctx, "bd-a")
	if err != nil {
		t.Fatalf("blockers: %v", err)
	}
	if len(blockers) != 1 || blockers[0] != "bd-b" {
		t.Fatalf("bd-a blockers after reopen = %v, want [bd-b]", blockers)
	}
}

func TestReadyEquivalence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "bd-x", "x")
	mustCreate(t, s, "bd-y", "y")
	mustDepend(t, s, "bd-x", "bd-y")

	assertReady := func(id string, want bool) {
		t.Helper()
		b, err := s.GetBead(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		blockers, err := s.GetBlockers(ctx, id)
		if err != nil {
			t.Fatalf("blockers %s: %v", id, err)
		}
		ready := (b.Status == StatusOpen || b.Status == StatusInProgress) &&
			b.DeletedAt == nil && len(blockers) == 0
		if ready != want {
			t.Fatalf("%s ready = %v, want %v (status %s, blockers %v)", id, ready, want, b.Status, blockers)
		}
	}

	assertReady("bd-x", false)
	assertReady("bd-y", true)

	if err := s.CloseBead(ctx, testProject, "bd-y", "done", nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	assertReady("bd-x", true)

	if err := s.DeleteBead(ctx, testProject, "bd-x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	assertReady("bd-x", false)
}

func TestGetNextReadyOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// bd-b has the best priority but is blocked by open bd-c.
	if _, err := s.CreateBead(ctx, testProject, CreateBeadParams{ID: "bd-a", Title: "a", Priority: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateBead(ctx, testProject, CreateBeadParams{ID: "bd-b", Title: "b", Priority: 0}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateBead(ctx, testProject, CreateBeadParams{ID: "bd-c", Title: "c", Priority: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	mustDepend(t, s, "bd-b", "bd-c")

	next, err := s.GetNextReady(ctx, testProject)
	if err != nil {
		t.Fatalf("next ready: %v", err)
	}
	if next != "bd-a" {
		t.Fatalf("next ready = %s, want bd-a", next)
	}

	// Unblock bd-b: it outranks bd-a.
	if err := s.CloseBead(ctx, testProject, "bd-c", "done", nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	next, err = s.GetNextReady(ctx, testProject)
	if err != nil {
		t.Fatalf("next ready: %v", err)
	}
	if next != "bd-b" {
		t.Fatalf("next ready = %s, want bd-b", next)
	}
}

func TestGetNextReadyEmpty(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetNextReady(context.Background(), testProject)
	if !hiveerr.Is(err, hiveerr.KindNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestDependencyRemovalRebuildsCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "bd-1", "one")
	mustCreate(t, s, "bd-2", "two")
	mustDepend(t, s, "bd-1", "bd-2")

	if err := s.RemoveDependency(ctx, testProject, "bd-1", "bd-2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	blockers, err := s.GetBlockers(ctx, "bd-1")
	if err != nil {
		t.Fatalf("blockers: %v", err)
	}
	if len(blockers) != 0 {
		t.Fatalf("blockers = %v after removal, want none", blockers)
	}
}

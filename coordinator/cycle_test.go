package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrale/componentfleet/coordinator"
)

// TestExecute_ThreeCycle checks a closed chain of three full devices, each
// wanting the next one's resident, admits atomically instead of deadlocking.
func TestExecute_ThreeCycle(t *testing.T) {
	co, err := coordinator.New(
		map[coordinator.DeviceID]int{"d1": 1, "d2": 1, "d3": 1},
		map[coordinator.ComponentID]coordinator.DeviceID{"c1": "d1", "c2": "d2", "c3": "d3"},
	)
	require.NoError(t, err)
	d1, d2, d3 := coordinator.DeviceID("d1"), coordinator.DeviceID("d2"), coordinator.DeviceID("d3")

	done := make([]chan error, 3)
	for i := range done {
		done[i] = make(chan error, 1)
	}

	go func() {
		done[0] <- co.Execute(context.Background(), coordinator.Transfer{ComponentID: "c1", Source: &d1, Destination: &d2})
	}()
	time.Sleep(20 * time.Millisecond)

	go func() {
		done[1] <- co.Execute(context.Background(), coordinator.Transfer{ComponentID: "c2", Source: &d2, Destination: &d3})
	}()
	time.Sleep(20 * time.Millisecond)

	go func() {
		done[2] <- co.Execute(context.Background(), coordinator.Transfer{ComponentID: "c3", Source: &d3, Destination: &d1})
	}()

	for i, ch := range done {
		select {
		case err := <-ch:
			require.NoErrorf(t, err, "member %d", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("member %d never completed; 3-cycle was not admitted", i)
		}
	}

	snap := co.Snapshot()
	want := map[coordinator.DeviceID]coordinator.ComponentID{
		"d1": "c3",
		"d2": "c1",
		"d3": "c2",
	}
	for _, s := range snap {
		require.Len(t, s.Present, 1, "device %s", s.ID)
		assert.Equal(t, want[s.ID], s.Present[0], "device %s", s.ID)
	}
}

// TestExecute_ThreeCyclePreservesPredecessorOrdering checks that each
// member of a 3-cycle performs only after the prepare of the member whose
// slot it is inheriting, not some other member's. For the chain built by
// c1:d1->d2, c2:d2->d3, c3:d3->d1, detectCycle discovers path [c3, c1, c2]
// (c3 is the one that triggers admission, by submission order), so c3
// inherits c1's slot, c1 inherits c2's slot, and c2 inherits c3's slot.
func TestExecute_ThreeCyclePreservesPredecessorOrdering(t *testing.T) {
	co, err := coordinator.New(
		map[coordinator.DeviceID]int{"d1": 1, "d2": 1, "d3": 1},
		map[coordinator.ComponentID]coordinator.DeviceID{"c1": "d1", "c2": "d2", "c3": "d3"},
	)
	require.NoError(t, err)
	d1, d2, d3 := coordinator.DeviceID("d1"), coordinator.DeviceID("d2"), coordinator.DeviceID("d3")

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	release1 := make(chan struct{})
	release2 := make(chan struct{})
	release3 := make(chan struct{})

	done := make([]chan error, 3)
	for i := range done {
		done[i] = make(chan error, 1)
	}

	go func() {
		done[0] <- co.Execute(context.Background(), coordinator.Transfer{
			ComponentID: "c1", Source: &d1, Destination: &d2,
			Prepare: func(ctx context.Context) error { <-release1; record("prepared:c1"); return nil },
			Perform: func(ctx context.Context) error { record("performed:c1"); return nil },
		})
	}()
	time.Sleep(20 * time.Millisecond)

	go func() {
		done[1] <- co.Execute(context.Background(), coordinator.Transfer{
			ComponentID: "c2", Source: &d2, Destination: &d3,
			Prepare: func(ctx context.Context) error { <-release2; record("prepared:c2"); return nil },
			Perform: func(ctx context.Context) error { record("performed:c2"); return nil },
		})
	}()
	time.Sleep(20 * time.Millisecond)

	go func() {
		done[2] <- co.Execute(context.Background(), coordinator.Transfer{
			ComponentID: "c3", Source: &d3, Destination: &d1,
			Prepare: func(ctx context.Context) error { <-release3; record("prepared:c3"); return nil },
			Perform: func(ctx context.Context) error { record("performed:c3"); return nil },
		})
	}()
	time.Sleep(20 * time.Millisecond) // let the cycle admit before any prepare is released

	// Release out of ring order, so the only thing keeping perform ordering
	// correct is each member's bound predecessor, not release sequence.
	close(release3)
	time.Sleep(20 * time.Millisecond)
	close(release1)
	time.Sleep(20 * time.Millisecond)
	close(release2)

	for i, ch := range done {
		select {
		case err := <-ch:
			require.NoErrorf(t, err, "member %d", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("member %d never completed", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	idx := func(s string) int {
		for i, v := range order {
			if v == s {
				return i
			}
		}
		return -1
	}
	require.Contains(t, order, "performed:c1")
	require.Contains(t, order, "performed:c2")
	require.Contains(t, order, "performed:c3")

	// c3 inherits c1's slot; c1 inherits c2's slot; c2 inherits c3's slot.
	assert.Less(t, idx("prepared:c1"), idx("performed:c3"), "c3 must perform after c1's prepare, not before")
	assert.Less(t, idx("prepared:c2"), idx("performed:c1"), "c1 must perform after c2's prepare, not before")
	assert.Less(t, idx("prepared:c3"), idx("performed:c2"), "c2 must perform after c3's prepare, not before")
}

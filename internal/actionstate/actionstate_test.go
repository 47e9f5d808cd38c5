package actionstate

import (
	"errors"
	"sync"
	"testing"
)

func TestUpdateSetsAndClearsFlag(t *testing.T) {
	tbl := NewTable()

	guard, err := tbl.Update("srv-1",
		func(f *Flags) { f.Deleting = true },
		func(f *Flags) { f.Deleting = false },
	)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !tbl.Snapshot("srv-1").Deleting {
		t.Fatal("expected Deleting to be set")
	}

	guard.Done()
	if tbl.Snapshot("srv-1").Deleting {
		t.Fatal("expected Deleting to be cleared after Done")
	}
}

func TestUpdateFailsWhenAlreadyBusy(t *testing.T) {
	tbl := NewTable()

	guard, err := tbl.Update("srv-1",
		func(f *Flags) { f.Updating = true },
		func(f *Flags) { f.Updating = false },
	)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	defer guard.Done()

	_, err = tbl.Update("srv-1",
		func(f *Flags) { f.Deleting = true },
		func(f *Flags) { f.Deleting = false },
	)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestGuardDoneIsIdempotent(t *testing.T) {
	tbl := NewTable()
	calls := 0

	guard, err := tbl.UpdateCustom("srv-1", false,
		func(f *Flags) { f.Renaming = true },
		func(f *Flags) { f.Renaming = false; calls++ },
	)
	if err != nil {
		t.Fatalf("UpdateCustom: %v", err)
	}

	guard.Done()
	guard.Done()
	if calls != 1 {
		t.Fatalf("cleanup ran %d times, want 1", calls)
	}
}

func TestUpdateCustomSkipBusyCheckAllowsOverlap(t *testing.T) {
	tbl := NewTable()

	g1, err := tbl.Update("srv-1", func(f *Flags) { f.Updating = true }, func(f *Flags) { f.Updating = false })
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	defer g1.Done()

	g2, err := tbl.UpdateCustom("srv-1", true, func(f *Flags) { f.BuildingAt = true }, func(f *Flags) { f.BuildingAt = false })
	if err != nil {
		t.Fatalf("UpdateCustom with skipBusyCheck: %v", err)
	}
	defer g2.Done()
}

func TestConcurrentUpdatesOnDistinctIDsDoNotBlockEachOther(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			guard, err := tbl.Update(id, func(f *Flags) { f.Deleting = true }, func(f *Flags) { f.Deleting = false })
			if err != nil {
				t.Errorf("Update(%s): %v", id, err)
				return
			}
			guard.Done()
		}("srv-" + string(rune('a'+i)))
	}
	wg.Wait()
}

// pkg/cache/memory_budget_test.go
package cache

import (
	"sync"
	"testing"
	"time"
)

// Component names mirrored from pkg/pagetrx's componentXxx constants,
// since this package cannot import pagetrx (the dependency runs the
// other way) without creating an import cycle.
const (
	componentIndirect     = "indirect"
	componentRecord       = "record"
	componentName         = "name"
	componentPathSummary  = "pathsummary"
	componentRevisionRoot = "revisionroot"
)

func TestMemoryBudget_NewMemoryBudget(t *testing.T) {
	// Test creating a new memory budget with default limit
	budget := NewMemoryBudget(0)
	if budget == nil {
		t.Fatal("NewMemoryBudget returned nil")
	}
	if budget.Limit() != DefaultMemoryLimit {
		t.Errorf("Expected default limit %d, got %d", DefaultMemoryLimit, budget.Limit())
	}

	// Test creating with custom limit
	customLimit := int64(1024 * 1024 * 100) // 100MB
	budget2 := NewMemoryBudget(customLimit)
	if budget2.Limit() != customLimit {
		t.Errorf("Expected custom limit %d, got %d", customLimit, budget2.Limit())
	}
}

func TestMemoryBudget_TrackUsage(t *testing.T) {
	budget := NewMemoryBudget(1024 * 1024) // 1MB limit

	// Register the page-kind components a PageReadTransaction tracks.
	budget.RegisterComponent(componentRecord)
	budget.RegisterComponent(componentIndirect)

	// Track usage as loadRecordPage/loadIndirectPage would on a cache miss.
	budget.Track(componentRecord, 4096)
	if budget.ComponentUsage(componentRecord) != 4096 {
		t.Errorf("Expected %s usage 4096, got %d", componentRecord, budget.ComponentUsage(componentRecord))
	}

	budget.Track(componentIndirect, 1024)
	if budget.ComponentUsage(componentIndirect) != 1024 {
		t.Errorf("Expected %s usage 1024, got %d", componentIndirect, budget.ComponentUsage(componentIndirect))
	}

	// Total usage should be sum
	if budget.TotalUsage() != 5120 {
		t.Errorf("Expected total usage 5120, got %d", budget.TotalUsage())
	}
}

func TestMemoryBudget_Release(t *testing.T) {
	budget := NewMemoryBudget(1024 * 1024)
	budget.RegisterComponent(componentName)

	budget.Track(componentName, 4096)
	if budget.ComponentUsage(componentName) != 4096 {
		t.Errorf("Expected usage 4096, got %d", budget.ComponentUsage(componentName))
	}

	// Release some memory
	budget.Release(componentName, 1024)
	if budget.ComponentUsage(componentName) != 3072 {
		t.Errorf("Expected usage 3072, got %d", budget.ComponentUsage(componentName))
	}

	// Release all remaining
	budget.Release(componentName, 3072)
	if budget.ComponentUsage(componentName) != 0 {
		t.Errorf("Expected usage 0, got %d", budget.ComponentUsage(componentName))
	}
}

func TestMemoryBudget_IsUnderPressure(t *testing.T) {
	limit := int64(1000)
	budget := NewMemoryBudget(limit)
	budget.RegisterComponent(componentRecord)

	// Under threshold (default 80%)
	budget.Track(componentRecord, 700)
	if budget.IsUnderPressure() {
		t.Error("Should not be under pressure at 70% usage")
	}

	// At or over threshold
	budget.Track(componentRecord, 100) // Now at 800 = 80%
	if !budget.IsUnderPressure() {
		t.Error("Should be under pressure at 80% usage")
	}

	budget.Track(componentRecord, 100) // Now at 900 = 90%
	if !budget.IsUnderPressure() {
		t.Error("Should be under pressure at 90% usage")
	}
}

func TestMemoryBudget_IsExceeded(t *testing.T) {
	limit := int64(1000)
	budget := NewMemoryBudget(limit)
	budget.RegisterComponent(componentRecord)

	// Under limit
	budget.Track(componentRecord, 900)
	if budget.IsExceeded() {
		t.Error("Should not be exceeded at 90% usage")
	}

	// At limit
	budget.Track(componentRecord, 100) // Now at 1000 = 100%
	if budget.IsExceeded() {
		t.Error("Should not be exceeded at exactly 100% usage")
	}

	// Over limit
	budget.Track(componentRecord, 100) // Now at 1100 = 110%
	if !budget.IsExceeded() {
		t.Error("Should be exceeded at 110% usage")
	}
}

func TestMemoryBudget_SetLimit(t *testing.T) {
	budget := NewMemoryBudget(1000)
	budget.RegisterComponent(componentRecord)
	budget.Track(componentRecord, 500)

	// Increase limit
	budget.SetLimit(2000)
	if budget.Limit() != 2000 {
		t.Errorf("Expected limit 2000, got %d", budget.Limit())
	}

	// Decrease limit
	budget.SetLimit(800)
	if budget.Limit() != 800 {
		t.Errorf("Expected limit 800, got %d", budget.Limit())
	}
}

func TestMemoryBudget_SetPressureThreshold(t *testing.T) {
	budget := NewMemoryBudget(1000)
	budget.RegisterComponent(componentRecord)

	// Default threshold is 0.8 (80%)
	budget.Track(componentRecord, 750)
	if budget.IsUnderPressure() {
		t.Error("Should not be under pressure at 75% with 80% threshold")
	}

	// Lower threshold to 70%
	budget.SetPressureThreshold(0.7)
	if !budget.IsUnderPressure() {
		t.Error("Should be under pressure at 75% with 70% threshold")
	}

	// Raise threshold to 90%
	budget.SetPressureThreshold(0.9)
	if budget.IsUnderPressure() {
		t.Error("Should not be under pressure at 75% with 90% threshold")
	}
}

func TestMemoryBudget_OnPressureCallback(t *testing.T) {
	budget := NewMemoryBudget(1000)
	budget.RegisterComponent(componentRecord)

	callbackCalled := make(chan struct{}, 1)
	var callbackUsage int64
	var callbackLimit int64
	var mu sync.Mutex

	budget.OnPressure(func(usage, limit int64) {
		mu.Lock()
		callbackUsage = usage
		callbackLimit = limit
		mu.Unlock()
		select {
		case callbackCalled <- struct{}{}:
		default:
		}
	})

	// Track below threshold - no callback
	budget.Track(componentRecord, 700)
	select {
	case <-callbackCalled:
		t.Error("Callback should not be called when below threshold")
	case <-time.After(50 * time.Millisecond):
		// Expected - no callback
	}

	// Track over threshold - callback should fire
	budget.Track(componentRecord, 150) // 850 = 85%

	select {
	case <-callbackCalled:
		// Expected
	case <-time.After(100 * time.Millisecond):
		t.Error("Callback should be called when over threshold")
	}

	mu.Lock()
	if callbackUsage != 850 {
		t.Errorf("Expected callback usage 850, got %d", callbackUsage)
	}
	if callbackLimit != 1000 {
		t.Errorf("Expected callback limit 1000, got %d", callbackLimit)
	}
	mu.Unlock()
}

func TestMemoryBudget_Stats(t *testing.T) {
	budget := NewMemoryBudget(1024 * 1024) // 1MB
	budget.RegisterComponent(componentRecord)
	budget.RegisterComponent(componentIndirect)

	budget.Track(componentRecord, 4096)
	budget.Track(componentIndirect, 1024)

	stats := budget.Stats()

	if stats.Limit != 1024*1024 {
		t.Errorf("Expected limit %d, got %d", 1024*1024, stats.Limit)
	}
	if stats.TotalUsage != 5120 {
		t.Errorf("Expected total usage 5120, got %d", stats.TotalUsage)
	}
	if stats.ComponentUsage[componentRecord] != 4096 {
		t.Errorf("Expected %s 4096, got %d", componentRecord, stats.ComponentUsage[componentRecord])
	}
	if stats.ComponentUsage[componentIndirect] != 1024 {
		t.Errorf("Expected %s 1024, got %d", componentIndirect, stats.ComponentUsage[componentIndirect])
	}
}

func TestMemoryBudget_ConcurrentAccess(t *testing.T) {
	budget := NewMemoryBudget(1024 * 1024 * 100) // 100MB
	budget.RegisterComponent(componentRecord)

	var wg sync.WaitGroup
	iterations := 1000

	// Multiple goroutines tracking and releasing, standing in for
	// concurrent readers each loading and evicting their own record
	// pages against the one shared budget (see pagetrx.PageReadTransaction).
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				budget.Track(componentRecord, 1024)
				budget.Release(componentRecord, 1024)
			}
		}()
	}

	wg.Wait()

	// Final usage should be 0 (all tracked and released equally)
	if budget.ComponentUsage(componentRecord) != 0 {
		t.Errorf("Expected final usage 0, got %d", budget.ComponentUsage(componentRecord))
	}
}

func TestMemoryBudget_HotDataTracking(t *testing.T) {
	budget := NewMemoryBudget(10000)
	budget.RegisterComponent(componentRecord)

	// Track three record pages with access frequency info, as a reader
	// cache eviction pass over componentRecord would.
	budget.TrackWithPriority(componentRecord, "pagekey:1", 1000, PriorityHot)
	budget.TrackWithPriority(componentRecord, "pagekey:2", 1000, PriorityCold)
	budget.TrackWithPriority(componentRecord, "pagekey:3", 1000, PriorityWarm)

	// Get eviction candidates (cold first)
	candidates := budget.GetEvictionCandidates(componentRecord, 1000)
	if len(candidates) == 0 {
		t.Error("Expected at least one eviction candidate")
	}

	// First candidate should be the cold record page
	if len(candidates) > 0 && candidates[0] != "pagekey:2" {
		t.Errorf("Expected first eviction candidate to be 'pagekey:2' (cold), got '%s'", candidates[0])
	}
}

func TestMemoryBudget_AccessTracking(t *testing.T) {
	budget := NewMemoryBudget(10000)
	budget.RegisterComponent(componentRecord)

	// Track a record page
	budget.TrackWithPriority(componentRecord, "pagekey:1", 1000, PriorityCold)

	// Record accesses to make it hot, as repeated reads through the same
	// revision's cursor would.
	for i := 0; i < 10; i++ {
		budget.RecordAccess(componentRecord, "pagekey:1")
	}

	// Check that priority was upgraded
	info := budget.GetItemInfo(componentRecord, "pagekey:1")
	if info == nil {
		t.Fatal("Expected item info for pagekey:1")
	}
	if info.Priority != PriorityHot {
		t.Errorf("Expected priority Hot after many accesses, got %v", info.Priority)
	}
}

func TestMemoryBudget_DecayPriority(t *testing.T) {
	budget := NewMemoryBudget(10000)
	budget.RegisterComponent(componentRecord)

	// Track hot record page with backdated last access
	budget.TrackWithPriority(componentRecord, "pagekey:1", 1000, PriorityHot)

	// Manually set last access to be old so decay triggers
	budget.SetItemLastAccess(componentRecord, "pagekey:1", time.Now().Add(-time.Hour))

	// Decay items older than 1 minute
	budget.DecayPriorities(componentRecord, time.Minute)

	// Check that priority was decayed
	info := budget.GetItemInfo(componentRecord, "pagekey:1")
	if info == nil {
		t.Fatal("Expected item info for pagekey:1")
	}
	if info.Priority == PriorityHot {
		t.Error("Expected priority to decay from Hot")
	}
}

package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/config"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() config.GovernorConfig {
	return config.GovernorConfig{
		WindowDuration:      5 * time.Hour,
		WindowCeiling:       100,
		HistoryLimit:        24,
		ThrottleThreshold:   0.80,
		CriticalThreshold:   0.95,
		CriticalMinPriority: 8,
		HighTierCostRatio:   5.0,
	}
}

func setup(t *testing.T) (*Governor, *fakeClock, context.Context) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	g := New(store.NewMemory(), testConfig(), logger.Nop())
	g.now = clk.Now
	return g, clk, context.Background()
}

func seedUsage(t *testing.T, g *Governor, ctx context.Context, units int64) {
	t.Helper()
	if err := g.RecordUsage(ctx, "seed", models.TierEconomy, units); err != nil {
		t.Fatal(err)
	}
}

func request(priority int, units int64, mandatory bool) models.TaskResourceRequest {
	return models.TaskResourceRequest{
		TaskID:         "task-1",
		ProjectID:      "proj-1",
		TaskType:       "analysis",
		EstimatedUnits: units,
		Priority:       priority,
		MandatoryHigh:  mandatory,
	}
}

func TestAdmitNormalZone(t *testing.T) {
	g, _, ctx := setup(t)

	alloc, err := g.RequestResources(ctx, request(5, 10, false), models.TierHigh)
	if err != nil {
		t.Fatal(err)
	}
	if !alloc.Allocated {
		t.Fatalf("expected admission in normal zone, got %q", alloc.Reason)
	}
	if alloc.Tier != models.TierHigh {
		t.Errorf("tier = %s, want high (router recommendation honored)", alloc.Tier)
	}

	status, err := g.BudgetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Used != 10 {
		t.Errorf("used = %d after reservation, want 10", status.Used)
	}
	if status.Health != models.HealthNormal {
		t.Errorf("health = %s, want normal", status.Health)
	}
}

func TestThrottleDowngradesHigh(t *testing.T) {
	g, _, ctx := setup(t)
	seedUsage(t, g, ctx, 85)

	alloc, err := g.RequestResources(ctx, request(5, 10, false), models.TierHigh)
	if err != nil {
		t.Fatal(err)
	}
	if !alloc.Allocated {
		t.Fatalf("expected admission, got %q", alloc.Reason)
	}
	if alloc.Tier != models.TierEconomy {
		t.Errorf("tier = %s, want economy downgrade in throttle zone", alloc.Tier)
	}
}

func TestThrottleQueuesMandatoryHigh(t *testing.T) {
	g, _, ctx := setup(t)
	seedUsage(t, g, ctx, 85)

	alloc, err := g.RequestResources(ctx, request(5, 10, true), models.TierHigh)
	if err != nil {
		t.Fatal(err)
	}
	if alloc.Allocated {
		t.Fatal("mandatory high request must not be admitted while throttled")
	}
	if !alloc.Queued {
		t.Error("mandatory high request must be queued, not rejected")
	}
	if alloc.RetryAfter == nil {
		t.Error("queued allocation must carry a retry-after hint")
	}

	status, _ := g.BudgetStatus(ctx)
	if status.Used != 85 {
		t.Errorf("queueing must not reserve units, used = %d", status.Used)
	}
}

func TestCriticalZonePriorityGate(t *testing.T) {
	g, _, ctx := setup(t)
	seedUsage(t, g, ctx, 97)

	high := request(9, 20, false)
	high.TaskID = "vip"
	alloc, err := g.RequestResources(ctx, high, models.TierHigh)
	if err != nil {
		t.Fatal(err)
	}
	if !alloc.Allocated {
		t.Fatalf("priority 9 must be admitted in critical zone, got %q", alloc.Reason)
	}

	low := request(5, 5, false)
	low.TaskID = "routine"
	alloc, err = g.RequestResources(ctx, low, models.TierEconomy)
	if err != nil {
		t.Fatal(err)
	}
	if alloc.Allocated {
		t.Fatal("priority 5 must be rejected in critical zone")
	}
	if alloc.RetryAfter == nil {
		t.Error("critical rejection must carry a retry-after hint")
	}
}

func TestCeilingDeniesOversizedRequest(t *testing.T) {
	g, _, ctx := setup(t)
	seedUsage(t, g, ctx, 50)

	alloc, err := g.RequestResources(ctx, request(5, 60, false), models.TierEconomy)
	if err != nil {
		t.Fatal(err)
	}
	if alloc.Allocated {
		t.Fatal("request larger than remaining budget must be denied")
	}
	if alloc.RetryAfter == nil {
		t.Error("budget denial must carry a retry-after hint")
	}
}

func TestRecordUsageReconciles(t *testing.T) {
	g, _, ctx := setup(t)

	alloc, err := g.RequestResources(ctx, request(5, 10, false), models.TierEconomy)
	if err != nil || !alloc.Allocated {
		t.Fatalf("setup admission failed: %v %+v", err, alloc)
	}

	// Actual consumption overshoots the estimate.
	if err := g.RecordUsage(ctx, "task-1", alloc.Tier, 14); err != nil {
		t.Fatal(err)
	}

	status, _ := g.BudgetStatus(ctx)
	if status.Used != 14 {
		t.Errorf("used = %d after reconcile, want 14", status.Used)
	}

	// A second record for the same task has no reservation left to settle.
	if err := g.RecordUsage(ctx, "task-1", alloc.Tier, 1); err != nil {
		t.Fatal(err)
	}
	status, _ = g.BudgetStatus(ctx)
	if status.Used != 15 {
		t.Errorf("used = %d, want 15", status.Used)
	}
}

func TestReleaseReservation(t *testing.T) {
	g, _, ctx := setup(t)

	if _, err := g.RequestResources(ctx, request(5, 10, false), models.TierEconomy); err != nil {
		t.Fatal(err)
	}
	if err := g.ReleaseReservation(ctx, "task-1"); err != nil {
		t.Fatal(err)
	}

	status, _ := g.BudgetStatus(ctx)
	if status.Used != 0 {
		t.Errorf("used = %d after release, want 0", status.Used)
	}
}

func TestWindowRolloverConservation(t *testing.T) {
	g, clk, ctx := setup(t)

	seedUsage(t, g, ctx, 30)
	clk.Advance(5*time.Hour + time.Minute)

	if err := g.RecordUsage(ctx, "later", models.TierHigh, 20); err != nil {
		t.Fatal(err)
	}

	status, err := g.BudgetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Used != 20 {
		t.Errorf("current window used = %d, want 20", status.Used)
	}

	history, err := g.History(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].Used() != 30 {
		t.Errorf("closed window used = %d, want 30", history[0].Used())
	}

	// Conservation: per-window sums add up to everything recorded, and no
	// window exceeded its ceiling.
	total := status.Used
	for _, w := range history {
		total += w.Used()
		if w.Used() > w.Ceiling {
			t.Errorf("window %s used %d over ceiling %d", w.ID, w.Used(), w.Ceiling)
		}
	}
	if total != 50 {
		t.Errorf("total recorded = %d, want 50", total)
	}
}

func TestRolloverCarriesReservations(t *testing.T) {
	g, clk, ctx := setup(t)

	if _, err := g.RequestResources(ctx, request(5, 10, false), models.TierEconomy); err != nil {
		t.Fatal(err)
	}
	clk.Advance(5*time.Hour + time.Minute)

	// Reconciling after the rollover settles into the new window.
	if err := g.RecordUsage(ctx, "task-1", models.TierEconomy, 12); err != nil {
		t.Fatal(err)
	}

	status, _ := g.BudgetStatus(ctx)
	if status.Used != 12 {
		t.Errorf("current window used = %d, want 12", status.Used)
	}

	history, _ := g.History(ctx)
	if len(history) != 1 || history[0].Used() != 0 {
		t.Errorf("closed window must hold settled usage only, got %+v", history)
	}
}

func TestAdmissionMonotonicity(t *testing.T) {
	req := request(5, 5, false)
	var denied bool
	for _, seed := range []int64{0, 85, 96, 99} {
		g, _, ctx := setup(t)
		if seed > 0 {
			seedUsage(t, g, ctx, seed)
		}
		alloc, err := g.RequestResources(ctx, req, models.TierEconomy)
		if err != nil {
			t.Fatal(err)
		}
		if denied && alloc.Allocated {
			t.Errorf("request admitted at usage %d after being denied at a healthier level", seed)
		}
		if !alloc.Allocated && !alloc.Queued {
			denied = true
		}
	}
	if !denied {
		t.Error("expected the request to be denied at some utilization level")
	}
}

func TestGovernorsShareOneBudget(t *testing.T) {
	st := store.NewMemory()
	clk := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	g1 := New(st, testConfig(), logger.Nop())
	g1.now = clk.Now
	g2 := New(st, testConfig(), logger.Nop())
	g2.now = clk.Now

	if err := g1.RecordUsage(ctx, "one", models.TierHigh, 40); err != nil {
		t.Fatal(err)
	}

	status, err := g2.BudgetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Used != 40 {
		t.Errorf("second governor sees used = %d, want 40", status.Used)
	}
}

func TestUsageMetrics(t *testing.T) {
	g, clk, ctx := setup(t)

	if err := g.RecordUsage(ctx, "a", models.TierHigh, 20); err != nil {
		t.Fatal(err)
	}
	if err := g.RecordUsage(ctx, "b", models.TierEconomy, 60); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Hour)

	m, err := g.UsageMetrics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.UnitsPerHour != 40 {
		t.Errorf("units/hour = %v, want 40", m.UnitsPerHour)
	}
	if m.HighShare != 0.25 || m.EconomyShare != 0.75 {
		t.Errorf("tier mix = %v/%v, want 0.25/0.75", m.HighShare, m.EconomyShare)
	}
	if m.CostEfficiency <= 0 || m.CostEfficiency >= 1 {
		t.Errorf("cost efficiency = %v, want in (0,1)", m.CostEfficiency)
	}
}

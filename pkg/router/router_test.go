package router

import (
	"context"
	"math"
	"testing"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/config"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/logger"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/store"
)

func testConfig() config.RouterConfig {
	return config.RouterConfig{
		HighThreshold:    6.5,
		EconomyThreshold: 4.5,
		AmpleHeadroom:    0.5,
		Smoothing:        0.2,
		Weights: models.RouteWeights{
			Complexity: 0.4,
			Headroom:   0.3,
			History:    0.2,
			Priority:   0.1,
		},
	}
}

func statusAt(utilization float64) models.BudgetStatus {
	return models.BudgetStatus{
		Ceiling:     100,
		Used:        int64(utilization * 100),
		Remaining:   int64((1 - utilization) * 100),
		Utilization: utilization,
		Health:      models.HealthNormal,
	}
}

func req(taskType string, complexity float64, priority int) models.TaskResourceRequest {
	return models.TaskResourceRequest{
		TaskID:     "t1",
		ProjectID:  "p1",
		TaskType:   taskType,
		Priority:   priority,
		Complexity: complexity,
	}
}

func TestMandatoryHighBypassesScoring(t *testing.T) {
	r := New(store.NewMemory(), testConfig(), logger.Nop())

	request := req("analysis", 1, 0)
	request.MandatoryHigh = true

	d := r.RouteTask(context.Background(), request, statusAt(0.99))
	if d.Tier != models.TierHigh {
		t.Errorf("tier = %s, want high", d.Tier)
	}
	if !d.Mandatory {
		t.Error("decision must be marked mandatory")
	}
	if d.Score != 0 {
		t.Errorf("mandatory decision must skip scoring, got score %v", d.Score)
	}
}

func TestHighComplexityRoutesHigh(t *testing.T) {
	r := New(store.NewMemory(), testConfig(), logger.Nop())

	d := r.RouteTask(context.Background(), req("analysis", 9, 8), statusAt(0))
	// 0.4*0.9 + 0.3*1.0 + 0.2*0.5 + 0.1*0.8 = 0.84 -> 8.4
	if math.Abs(d.Score-8.4) > 0.01 {
		t.Errorf("score = %v, want 8.4", d.Score)
	}
	if d.Tier != models.TierHigh {
		t.Errorf("tier = %s, want high", d.Tier)
	}
}

func TestLowComplexityRoutesEconomy(t *testing.T) {
	r := New(store.NewMemory(), testConfig(), logger.Nop())

	d := r.RouteTask(context.Background(), req("summarize", 2, 2), statusAt(0.5))
	// 0.4*0.2 + 0.3*0.5 + 0.2*0.5 + 0.1*0.2 = 0.35 -> 3.5
	if math.Abs(d.Score-3.5) > 0.01 {
		t.Errorf("score = %v, want 3.5", d.Score)
	}
	if d.Tier != models.TierEconomy {
		t.Errorf("tier = %s, want economy", d.Tier)
	}
}

func TestMiddleBandPrefersEconomy(t *testing.T) {
	r := New(store.NewMemory(), testConfig(), logger.Nop())

	d := r.RouteTask(context.Background(), req("draft", 6, 5), statusAt(0.7))
	// 0.4*0.6 + 0.3*0.3 + 0.2*0.5 + 0.1*0.5 = 0.48 -> 4.8: middle band
	if d.Score <= 4.5 || d.Score >= 6.5 {
		t.Fatalf("score = %v, want inside the middle band", d.Score)
	}
	if d.Tier != models.TierEconomy {
		t.Errorf("tier = %s, want economy with scarce headroom", d.Tier)
	}
}

func TestMiddleBandAmpleHeadroomRoutesHigh(t *testing.T) {
	r := New(store.NewMemory(), testConfig(), logger.Nop())

	d := r.RouteTask(context.Background(), req("draft", 5.5, 4), statusAt(0.45))
	// 0.4*0.55 + 0.3*0.55 + 0.2*0.5 + 0.1*0.4 = 0.525 -> 5.25: middle band
	if d.Score <= 4.5 || d.Score >= 6.5 {
		t.Fatalf("score = %v, want inside the middle band", d.Score)
	}
	if d.Tier != models.TierHigh {
		t.Errorf("tier = %s, want high with ample headroom", d.Tier)
	}
}

func TestUnknownTaskTypeScoresNeutral(t *testing.T) {
	r := New(store.NewMemory(), testConfig(), logger.Nop())

	d := r.RouteTask(context.Background(), req("never-seen", 5, 5), statusAt(0.2))
	if d.HistoryScore != 0.5 {
		t.Errorf("history score = %v for unknown type, want 0.5", d.HistoryScore)
	}
}

func TestRecordOutcomeSmoothing(t *testing.T) {
	st := store.NewMemory()
	r := New(st, testConfig(), logger.Nop())
	ctx := context.Background()

	if err := r.RecordOutcome(ctx, "analysis", models.TierHigh, true); err != nil {
		t.Fatal(err)
	}

	// One success from neutral: 0.8*0.5 + 0.2*1.0 = 0.6 on the high tier,
	// so the history component moves to 0.5 + (0.6-0.5)/2 = 0.55.
	d := r.RouteTask(ctx, req("analysis", 5, 5), statusAt(0.2))
	if math.Abs(d.HistoryScore-0.55) > 0.001 {
		t.Errorf("history score = %v, want 0.55", d.HistoryScore)
	}
}

func TestHistorySurvivesNewRouter(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	r1 := New(st, testConfig(), logger.Nop())
	for i := 0; i < 5; i++ {
		if err := r1.RecordOutcome(ctx, "score-leads", models.TierHigh, true); err != nil {
			t.Fatal(err)
		}
		if err := r1.RecordOutcome(ctx, "score-leads", models.TierEconomy, false); err != nil {
			t.Fatal(err)
		}
	}

	r2 := New(st, testConfig(), logger.Nop())
	d := r2.RouteTask(ctx, req("score-leads", 5, 5), statusAt(0.2))
	if d.HistoryScore <= 0.5 {
		t.Errorf("history score = %v, want above neutral after high-tier successes", d.HistoryScore)
	}
}

func TestComplexityDerivedFromUnits(t *testing.T) {
	r := New(store.NewMemory(), testConfig(), logger.Nop())

	request := req("analysis", 0, 5)
	request.EstimatedUnits = 100

	d := r.RouteTask(context.Background(), request, statusAt(0.2))
	// 1 + 3*log10(100) = 7 -> component 0.7
	if math.Abs(d.ComplexityScore-0.7) > 0.001 {
		t.Errorf("complexity score = %v, want 0.7", d.ComplexityScore)
	}
}

func TestExplainMatchesRouteAndIsReadOnly(t *testing.T) {
	r := New(store.NewMemory(), testConfig(), logger.Nop())
	ctx := context.Background()

	request := req("analysis", 7, 6)
	first := r.Explain(ctx, request, statusAt(0.3))
	second := r.RouteTask(ctx, request, statusAt(0.3))

	if first.Tier != second.Tier || first.Score != second.Score {
		t.Errorf("explain diverged from routing: %+v vs %+v", first, second)
	}
}

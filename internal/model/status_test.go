package model

import "testing"

func TestTransitionTable(t *testing.T) {
	type pair struct{ from, to Status }

	allowed := map[pair]bool{}
	for from, targets := range transitions {
		for _, to := range targets {
			allowed[pair{from, to}] = true
		}
	}

	t.Run("AllowedPairs", func(t *testing.T) {
		for p := range allowed {
			if !p.from.CanTransitionTo(p.to) {
				t.Errorf("expected %s -> %s to be allowed", p.from, p.to)
			}
		}
	})

	t.Run("SameStateAlwaysAllowed", func(t *testing.T) {
		for _, s := range AllStatuses() {
			if !s.CanTransitionTo(s) {
				t.Errorf("expected %s -> %s (same state) to be allowed", s, s)
			}
		}
	})

	t.Run("EverythingElseRejected", func(t *testing.T) {
		for _, from := range AllStatuses() {
			for _, to := range AllStatuses() {
				if from == to || allowed[pair{from, to}] {
					continue
				}
				if from.CanTransitionTo(to) {
					t.Errorf("expected %s -> %s to be rejected", from, to)
				}
			}
		}
	})

	t.Run("UnknownStatusInvalid", func(t *testing.T) {
		if Status("SHIPPING").Valid() {
			t.Error("expected unknown status to be invalid")
		}
	})
}

func TestIsReopen(t *testing.T) {
	reopens := []struct{ from, to Status }{
		{StatusReview, StatusWorking},
		{StatusReview, StatusBacklog},
		{StatusDeploying, StatusWorking},
		{StatusDone, StatusBacklog},
		{StatusDone, StatusWorking},
	}
	for _, p := range reopens {
		if !IsReopen(p.from, p.to) {
			t.Errorf("expected %s -> %s to count as reopen", p.from, p.to)
		}
	}

	notReopens := []struct{ from, to Status }{
		{StatusBacklog, StatusWorking},
		{StatusWorking, StatusReview},
		{StatusReview, StatusDone},
		{StatusDone, StatusArchived},
		{StatusDone, StatusDeploying},
	}
	for _, p := range notReopens {
		if IsReopen(p.from, p.to) {
			t.Errorf("expected %s -> %s not to count as reopen", p.from, p.to)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	order := []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("expected %s to rank before %s", order[i-1], order[i])
		}
	}
	if Priority("URGENT").Rank() <= PriorityLow.Rank() {
		t.Error("expected unknown priority to sort last")
	}
}

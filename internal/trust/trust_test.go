package trust

import (
	"context"
	"testing"
	"time"

	"blockremote/internal/model"
)

func TestVerdictIsPureFunctionOfScore(t *testing.T) {
	for s := 0; s <= 100; s++ {
		want := model.VerdictSafe
		if s < 50 {
			want = model.VerdictBlock
		}
		if got := Verdict(s, 50); got != want {
			t.Fatalf("score %d: got %s want %s", s, got, want)
		}
		if Verdict(s, 50) != Verdict(s, 50) {
			t.Fatalf("verdict not deterministic for %d", s)
		}
	}
}

func TestTierBoundaries(t *testing.T) {
	cases := map[int]model.ThreatLevel{0: model.ThreatHigh, 19: model.ThreatHigh, 20: model.ThreatMedium, 39: model.ThreatMedium}
	for score, want := range cases {
		if got := Tier(score, 20); got != want {
			t.Fatalf("score %d: got %s want %s", score, got, want)
		}
	}
}

func TestHeuristicScorer(t *testing.T) {
	h := NewHeuristicScorer()
	clean := h.Score(model.Payload{"accel_variance": 0.4, "overlay_active": false})
	if clean.Score != 100 || len(clean.Rules) != 0 {
		t.Fatalf("clean device: %+v", clean)
	}
	remote := h.Score(model.Payload{"accel_variance": 0.0, "overlay_active": true})
	if remote.Score != 30 {
		t.Fatalf("static overlay score: %d", remote.Score)
	}
	if remote.Reason() != "static device active overlay" {
		t.Fatalf("reason: %s", remote.Reason())
	}
	worst := h.Score(model.Payload{
		"accel_variance":    "0",
		"overlay_active":    "true",
		"screen_shared":     true,
		"remote_access_app": true,
		"rooted":            true,
		"touch_rate":        0.0,
	})
	if worst.Score != 0 {
		t.Fatalf("expected clamp to 0, got %d", worst.Score)
	}
}

func TestReasonFallback(t *testing.T) {
	if got := (Assessment{Score: 12}).Reason(); got != "trust score 12 below threshold" {
		t.Fatalf("reason: %s", got)
	}
}

func TestReaderDefaultsAndExpiry(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	now := time.Now()
	cache.now = func() time.Time { return now }
	r := NewReader(cache, 80, 50)

	score, err := r.Read(ctx, "unknown")
	if err != nil || score != 80 {
		t.Fatalf("default score: %d %v", score, err)
	}
	if r.Verdict(score) != model.VerdictSafe {
		t.Fatalf("default must be safe")
	}

	if err := cache.Set(ctx, "d1", 12, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	score, _ = r.Read(ctx, "d1")
	if score != 12 || r.Verdict(score) != model.VerdictBlock {
		t.Fatalf("cached score: %d", score)
	}

	now = now.Add(2 * time.Minute)
	score, _ = r.Read(ctx, "d1")
	if score != 80 {
		t.Fatalf("expired entry must fall back to default, got %d", score)
	}
}

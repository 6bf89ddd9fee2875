// Package trust maps device telemetry to a 0..100 trust score and reads the
// latest cached score for a device.
package trust

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"blockremote/internal/model"
)

// Assessment is the outcome of scoring one payload. Rules lists the
// heuristics that lowered the score, in evaluation order.
type Assessment struct {
	Score int
	Rules []string
}

// Scorer is a pure function of the payload.
type Scorer interface {
	Score(payload model.Payload) Assessment
}

type ScorerFunc func(payload model.Payload) Assessment

func (f ScorerFunc) Score(payload model.Payload) Assessment { return f(payload) }

// HeuristicScorer penalises signs of a remotely controlled device: a screen
// overlay or active screen share on a device that is not physically moving.
type HeuristicScorer struct {
	// MotionEpsilon is the accelerometer variance below which a device counts as static.
	MotionEpsilon float64
}

func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{MotionEpsilon: 0.01}
}

func (h *HeuristicScorer) Score(p model.Payload) Assessment {
	score := 100
	var rules []string
	static := false
	if v, ok := Float(p, "accel_variance", "motion_variance"); ok && v < h.MotionEpsilon {
		static = true
	}
	overlay := Bool(p, "overlay_active", "overlay")
	if static && overlay {
		score -= 70
		rules = append(rules, "static_device_active_overlay")
	} else if overlay {
		score -= 35
		rules = append(rules, "active_overlay")
	} else if static {
		score -= 15
		rules = append(rules, "static_device")
	}
	if Bool(p, "screen_shared", "screen_sharing") {
		score -= 20
		rules = append(rules, "screen_shared")
	}
	if Bool(p, "remote_access_app", "remote_tool") {
		score -= 25
		rules = append(rules, "remote_access_app")
	}
	if Bool(p, "rooted", "jailbroken") {
		score -= 10
		rules = append(rules, "rooted")
	}
	if v, ok := Float(p, "touch_rate"); ok && v == 0 && overlay {
		score -= 10
		rules = append(rules, "no_touch_input")
	}
	return Assessment{Score: clamp(score), Rules: rules}
}

// Reason renders fired rules as the human readable audit reason.
func (a Assessment) Reason() string {
	if len(a.Rules) == 0 {
		return fmt.Sprintf("trust score %d below threshold", a.Score)
	}
	parts := make([]string, 0, len(a.Rules))
	for _, r := range a.Rules {
		parts = append(parts, strings.ReplaceAll(r, "_", " "))
	}
	return strings.Join(parts, ", ")
}

// Tier returns the threat tier for a score below killThreshold.
func Tier(score, highThreshold int) model.ThreatLevel {
	if score < highThreshold {
		return model.ThreatHigh
	}
	return model.ThreatMedium
}

// Verdict depends only on the score.
func Verdict(score, threshold int) model.Verdict {
	if score >= threshold {
		return model.VerdictSafe
	}
	return model.VerdictBlock
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func Float(p model.Payload, keys ...string) (float64, bool) {
	for _, k := range keys {
		raw, ok := p[k]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case float64:
			return v, !math.IsNaN(v)
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func Bool(p model.Payload, keys ...string) bool {
	for _, k := range keys {
		raw, ok := p[k]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case bool:
			return v
		case float64:
			return v != 0
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			return err == nil && b
		}
	}
	return false
}

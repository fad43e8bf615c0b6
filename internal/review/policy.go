package review

import (
	"fmt"

	"github.com/ppiankov/statute/internal/model"
)

// Policy is the auto-approval policy applied to DRAFT rules
type Policy struct {
	Threshold   float64        // Minimum confidence for auto-approval
	RiskCeiling model.RiskTier // Rules at or above this tier always go to a human
	Floor       float64        // Below this no approval path exists
}

// NewPolicy builds a Policy from configuration
func NewPolicy(cfg model.ReviewConfig) Policy {
	return Policy{
		Threshold:   cfg.AutoApproveThreshold,
		RiskCeiling: model.ParseRiskTier(cfg.RiskCeiling),
		Floor:       cfg.RejectFloor,
	}
}

// Outcome is the status a rule moves to and why
type Outcome struct {
	Status model.RuleStatus
	Reason string
}

// Rejects reports whether the rule is too weak for any approval path
func (p Policy) Rejects(r *model.RegulatoryRule) bool {
	return r.Confidence < p.Floor
}

// Evaluate decides a DRAFT rule given its unresolved conflicts.
// The risk gate is checked before confidence and cannot be bypassed.
func (p Policy) Evaluate(r *model.RegulatoryRule, conflicts []*model.ConflictRecord) Outcome {
	switch {
	case p.Rejects(r):
		return Outcome{model.StatusRejected, fmt.Sprintf("confidence %.2f below floor %.2f", r.Confidence, p.Floor)}
	case r.RiskTier >= p.RiskCeiling:
		return Outcome{model.StatusPendingReview, fmt.Sprintf("risk tier %s at or above ceiling %s", r.RiskTier, p.RiskCeiling)}
	case len(conflicts) > 0:
		return Outcome{model.StatusPendingReview, fmt.Sprintf("%d unresolved conflicts, first %s", len(conflicts), conflicts[0].ID)}
	case r.Confidence < p.Threshold:
		return Outcome{model.StatusPendingReview, fmt.Sprintf("confidence %.2f below auto-approval threshold %.2f", r.Confidence, p.Threshold)}
	default:
		return Outcome{model.StatusApproved, fmt.Sprintf("auto-approved at confidence %.2f", r.Confidence)}
	}
}

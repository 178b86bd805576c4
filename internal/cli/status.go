package cli

import "github.com/yaront1111/atelier/internal/model"

// Status indicators
const (
	CheckMark = "✓"
	Bullet    = "●"
	Circle    = "○"
	CrossMark = "✗"
)

// StatusGlyph returns the colored indicator for a task status.
func StatusGlyph(s model.Status) string {
	switch s {
	case model.StatusBacklog:
		return GrayText(Circle)
	case model.StatusPlanning, model.StatusAwaitingApproval:
		return YellowText(Circle)
	case model.StatusWorking:
		return CyanText(Bullet)
	case model.StatusReview, model.StatusDeploying:
		return MagentaText(Bullet)
	case model.StatusDone:
		return GreenText(CheckMark)
	case model.StatusArchived:
		return Dimmed(CheckMark)
	}
	return Circle
}

// PriorityText returns a priority colored by urgency.
func PriorityText(p model.Priority) string {
	switch p {
	case model.PriorityCritical:
		return BoldRed(string(p))
	case model.PriorityHigh:
		return YellowText(string(p))
	case model.PriorityLow:
		return GrayText(string(p))
	}
	return string(p)
}

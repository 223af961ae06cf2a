package plans

import (
	"errors"
	"fmt"

	"jetpredict-app/internal/models"
)

var ErrEntitlementDenied = errors.New("entitlement denied")

// DeniedError names the feature that was refused and the cheapest plan that
// unlocks it, so callers can redirect to an upgrade.
type DeniedError struct {
	Feature  string
	Required models.PlanID
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s requires the %s plan", e.Feature, e.Required)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrEntitlementDenied
}

// Entitlements is what a subscription unlocks
type Entitlements struct {
	RiskLevels []models.RiskLevel `json:"risk_levels"`
	Premium    bool               `json:"premium"` // strategies, floating overlay, simulation
	Chart      bool               `json:"chart"`
	Copy       bool               `json:"copy"`
	Support    bool               `json:"support"`
}

func (e Entitlements) Allows(r models.RiskLevel) bool {
	for _, l := range e.RiskLevels {
		if l == r {
			return true
		}
	}
	return false
}

var table = map[models.PlanID]Entitlements{
	models.PlanHourly: {
		RiskLevels: []models.RiskLevel{models.RiskLow},
	},
	models.PlanDaily: {
		RiskLevels: []models.RiskLevel{models.RiskLow, models.RiskModerate},
		Chart:      true,
		Copy:       true,
	},
	models.PlanWeekly: {
		RiskLevels: []models.RiskLevel{models.RiskLow, models.RiskModerate, models.RiskHigh},
		Premium:    true,
		Chart:      true,
		Copy:       true,
	},
	models.PlanMonthly: {
		RiskLevels: []models.RiskLevel{models.RiskLow, models.RiskModerate, models.RiskHigh, models.RiskVeryHigh},
		Premium:    true,
		Chart:      true,
		Copy:       true,
		Support:    true,
	},
}

// Resolve maps a subscription to its entitlements. The caller must have
// applied the expiry check already; an inactive, missing or unknown plan
// unlocks nothing.
func Resolve(sub *models.Subscription) Entitlements {
	if sub == nil || !sub.Active {
		return Entitlements{}
	}
	e, ok := table[sub.Plan]
	if !ok {
		return Entitlements{}
	}
	e.RiskLevels = append([]models.RiskLevel(nil), e.RiskLevels...)
	return e
}

// MinimumPlanFor returns the cheapest plan that allows the risk level
func MinimumPlanFor(r models.RiskLevel) models.PlanID {
	for _, p := range models.Plans {
		if table[p].Allows(r) {
			return p
		}
	}
	return models.PlanMonthly
}

func minimumPlan(ok func(Entitlements) bool) models.PlanID {
	for _, p := range models.Plans {
		if ok(table[p]) {
			return p
		}
	}
	return models.PlanMonthly
}

package models

import (
	"fmt"
	"strings"
)

// RiskLevel is one of the four ordered prediction tiers
type RiskLevel string

const (
	RiskLow      RiskLevel = "Faible"
	RiskModerate RiskLevel = "Modéré"
	RiskHigh     RiskLevel = "Élevé"
	RiskVeryHigh RiskLevel = "Très élevé"
)

// RiskLevels lists every level from the lowest to the highest
var RiskLevels = []RiskLevel{RiskLow, RiskModerate, RiskHigh, RiskVeryHigh}

var riskKeys = map[RiskLevel]string{
	RiskLow:      "low",
	RiskModerate: "moderate",
	RiskHigh:     "high",
	RiskVeryHigh: "very_high",
}

// Key is the ASCII identifier used in callback data and query strings
func (r RiskLevel) Key() string {
	return riskKeys[r]
}

// Rank is the position of the level in RiskLevels, -1 when unknown
func (r RiskLevel) Rank() int {
	for i, l := range RiskLevels {
		if l == r {
			return i
		}
	}
	return -1
}

func (r RiskLevel) Valid() bool {
	return r.Rank() >= 0
}

// ParseRiskLevel accepts a label ("Modéré") or a key ("moderate")
func ParseRiskLevel(s string) (RiskLevel, error) {
	s = strings.TrimSpace(s)
	for _, l := range RiskLevels {
		if strings.EqualFold(s, string(l)) || strings.EqualFold(s, l.Key()) {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown risk level %q", s)
}

// PlanID identifies a subscription tier
type PlanID string

const (
	PlanHourly  PlanID = "hourly"
	PlanDaily   PlanID = "daily"
	PlanWeekly  PlanID = "weekly"
	PlanMonthly PlanID = "monthly"
)

// Plans lists every tier from the lowest to the highest
var Plans = []PlanID{PlanHourly, PlanDaily, PlanWeekly, PlanMonthly}

var planLabels = map[PlanID]string{
	PlanHourly:  "Horaire",
	PlanDaily:   "Journalier",
	PlanWeekly:  "Hebdomadaire",
	PlanMonthly: "Mensuel",
}

func (p PlanID) Label() string {
	if l, ok := planLabels[p]; ok {
		return l
	}
	return string(p)
}

// Rank is the position of the plan in Plans, -1 when unknown
func (p PlanID) Rank() int {
	for i, id := range Plans {
		if id == p {
			return i
		}
	}
	return -1
}

func (p PlanID) Valid() bool {
	return p.Rank() >= 0
}

func ParsePlan(s string) (PlanID, error) {
	p := PlanID(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown plan %q", s)
	}
	return p, nil
}

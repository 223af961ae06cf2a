package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRecord marks a stored row or document that does not hold a known
// plan, risk level or slot time
var ErrInvalidRecord = errors.New("invalid record")

// Validate checks the risk level and that every slot and strategy time is HH:MM
func (p *Prediction) Validate() error {
	if !p.RiskLevel.Valid() {
		return fmt.Errorf("%w: prediction %s has unknown risk level %q", ErrInvalidRecord, p.ID, p.RiskLevel)
	}
	for _, s := range p.Slots {
		if _, err := time.Parse("15:04", s.Time); err != nil {
			return fmt.Errorf("%w: prediction %s has malformed slot %q", ErrInvalidRecord, p.ID, s.Time)
		}
	}
	for _, s := range p.SavedStrategies {
		if _, err := time.Parse("15:04", s.Time); err != nil {
			return fmt.Errorf("%w: prediction %s has malformed strategy slot %q", ErrInvalidRecord, p.ID, s.Time)
		}
	}
	return nil
}

func (s *Subscription) Validate() error {
	if !s.Plan.Valid() {
		return fmt.Errorf("%w: subscription of %s has unknown plan %q", ErrInvalidRecord, s.UserID, s.Plan)
	}
	return nil
}

// Validate accepts an empty plan, which means every plan
func (p *PromoCode) Validate() error {
	if p.Plan != "" && !p.Plan.Valid() {
		return fmt.Errorf("%w: promo %s has unknown plan %q", ErrInvalidRecord, p.Code, p.Plan)
	}
	return nil
}

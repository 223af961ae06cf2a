package plans

import (
	"time"

	"github.com/shopspring/decimal"
	"jetpredict-app/internal/models"
)

// Offer is a purchasable plan
type Offer struct {
	Plan     models.PlanID   `json:"plan"`
	Label    string          `json:"label"`
	Price    decimal.Decimal `json:"price"` // FCFA
	Duration time.Duration   `json:"-"`
	Hours    int             `json:"hours"`
}

var catalog = map[models.PlanID]Offer{
	models.PlanHourly:  {Plan: models.PlanHourly, Price: decimal.NewFromInt(1000), Duration: time.Hour},
	models.PlanDaily:   {Plan: models.PlanDaily, Price: decimal.NewFromInt(2500), Duration: 24 * time.Hour},
	models.PlanWeekly:  {Plan: models.PlanWeekly, Price: decimal.NewFromInt(10000), Duration: 7 * 24 * time.Hour},
	models.PlanMonthly: {Plan: models.PlanMonthly, Price: decimal.NewFromInt(30000), Duration: 30 * 24 * time.Hour},
}

// TrialDuration is the length of the free plan granted once per account
const TrialDuration = time.Hour

// OfferFor returns the catalog entry of a plan
func OfferFor(p models.PlanID) (Offer, bool) {
	o, ok := catalog[p]
	if !ok {
		return Offer{}, false
	}
	o.Label = p.Label()
	o.Hours = int(o.Duration / time.Hour)
	return o, true
}

// Catalog returns every offer ordered by tier
func Catalog() []Offer {
	offers := make([]Offer, 0, len(models.Plans))
	for _, p := range models.Plans {
		o, _ := OfferFor(p)
		offers = append(offers, o)
	}
	return offers
}

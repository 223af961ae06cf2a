// Package countdown classifies predicted slots by how close they are to now.
package countdown

import (
	"fmt"
	"time"

	"jetpredict-app/internal/models"
)

type Urgency string

const (
	Imminent       Urgency = "imminent"
	RecentlyPassed Urgency = "recently_passed"
	Stale          Urgency = "stale"
)

const (
	imminentWindow = 30 * time.Second
	passedWindow   = 60 * time.Second
)

// Classify compares the slot, taken as today at HH:MM in now's location,
// with now.
func Classify(slot string, now time.Time) (Urgency, error) {
	at, err := SlotTime(slot, now)
	if err != nil {
		return Stale, err
	}
	return ClassifyDelta(at.Sub(now)), nil
}

// ClassifyDelta maps the time left before a slot to its urgency
func ClassifyDelta(delta time.Duration) Urgency {
	switch {
	case delta > 0 && delta <= imminentWindow:
		return Imminent
	case delta > -passedWindow && delta <= 0:
		return RecentlyPassed
	default:
		return Stale
	}
}

// SlotTime anchors "HH:MM" on the day of now
func SlotTime(slot string, now time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", slot)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slot %q: %w", slot, err)
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, now.Location()), nil
}

// Color is the display color of an urgency
func (u Urgency) Color() string {
	switch u {
	case Imminent:
		return "#f59e0b"
	case RecentlyPassed:
		return "#22c55e"
	default:
		return "#e5e7eb"
	}
}

func (u Urgency) Emoji() string {
	switch u {
	case Imminent:
		return "🟠"
	case RecentlyPassed:
		return "🟢"
	default:
		return "⚪"
	}
}

// Row is one classified slot
type Row struct {
	Time       string  `json:"time"`
	CrashPoint float64 `json:"predictedCrashPoint"`
	Urgency    Urgency `json:"urgency"`
	Color      string  `json:"color"`
	SecondsTo  int64   `json:"seconds_to"`
}

// Board classifies every slot of a prediction. Slots that cannot be parsed
// are reported as stale.
func Board(p *models.Prediction, now time.Time) []Row {
	rows := make([]Row, 0, len(p.Slots))
	for _, s := range p.Slots {
		row := Row{Time: s.Time, CrashPoint: s.CrashPoint, Urgency: Stale}
		if at, err := SlotTime(s.Time, now); err == nil {
			delta := at.Sub(now)
			row.Urgency = ClassifyDelta(delta)
			row.SecondsTo = int64(delta / time.Second)
		}
		row.Color = row.Urgency.Color()
		rows = append(rows, row)
	}
	return rows
}

// Elapsed reports whether every slot is more than the passed window behind now
func Elapsed(p *models.Prediction, now time.Time) bool {
	for _, s := range p.Slots {
		at, err := SlotTime(s.Time, now)
		if err != nil {
			continue
		}
		if at.Sub(now) > -passedWindow {
			return false
		}
	}
	return true
}

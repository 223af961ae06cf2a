package conversation

import (
	"fmt"
	"strings"
	"time"

	"jetpredict-app/internal/countdown"
	"jetpredict-app/internal/models"
)

const strategyPrefix = "strat:"

// StrategyData is the callback payload of a slot's strategy button
func StrategyData(predictionID, slot string) string {
	return strategyPrefix + predictionID + ":" + slot
}

// ParseStrategyData splits a callback built by StrategyData
func ParseStrategyData(data string) (predictionID, slot string, ok bool) {
	if !strings.HasPrefix(data, strategyPrefix) {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(data, strategyPrefix), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// RenderPrediction is the textual ticker of a prediction at now
func RenderPrediction(p *models.Prediction, cached bool, now time.Time) Reply {
	var b strings.Builder
	fmt.Fprintf(&b, "🎯 Prédictions Lucky Jet · risque %s\n", p.RiskLevel)
	if cached {
		b.WriteString("(prédiction du jour déjà générée)\n")
	}
	b.WriteString("\n")

	var rows [][]Button
	var row []Button
	for _, r := range countdown.Board(p, now) {
		fmt.Fprintf(&b, "%s %s → %.2fx\n", r.Urgency.Emoji(), r.Time, r.CrashPoint)
		row = append(row, Button{Text: "📘 " + r.Time, Data: StrategyData(p.ID, r.Time)})
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	b.WriteString("\n🟠 imminent  🟢 vient de passer\nTouchez une heure pour sa stratégie.")
	return Reply{Text: b.String(), Buttons: rows}
}

// RenderStrategy formats a saved strategy narrative
func RenderStrategy(s *models.Strategy) string {
	return fmt.Sprintf("📘 Stratégie pour %s\n\n🛡️ Prudente :\n%s\n\n🔥 Agressive :\n%s",
		s.Time, s.Conservative, s.Aggressive)
}

package mongodb

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"
	"jetpredict-app/internal/config"
	"jetpredict-app/internal/models"
	"jetpredict-app/internal/predictions"
)

var _ predictions.Store = (*Client)(nil)

func TestConnectRequiresURI(t *testing.T) {
	if _, err := Connect(context.Background(), config.MongoConfig{Database: "jetpredict"}); err == nil {
		t.Fatal("expected an error without MONGO_URI")
	}
}

func TestPredictionDocumentShape(t *testing.T) {
	p := models.Prediction{
		ID:        "p1",
		UserID:    "u1",
		RiskLevel: models.RiskHigh,
		Slots:     []models.Slot{{Time: "14:05", CrashPoint: 2.4}},
	}
	raw, err := bson.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"_id", "userId", "riskLevel", "predictions", "savedStrategies", "createdAt"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("document misses %q: %v", key, doc)
		}
	}
	if doc["riskLevel"] != "Élevé" {
		t.Errorf("riskLevel = %v", doc["riskLevel"])
	}
}

func TestCheckedRejectsForeignDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  bson.M
		ok   bool
	}{
		{"valid", bson.M{"_id": "p1", "riskLevel": "Modéré", "predictions": bson.A{bson.M{"time": "14:05", "predictedCrashPoint": 2.4}}}, true},
		{"unknown risk", bson.M{"_id": "p2", "riskLevel": "moderate"}, false},
		{"malformed slot", bson.M{"_id": "p3", "riskLevel": "Faible", "predictions": bson.A{bson.M{"time": "2pm"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := bson.Marshal(tt.doc)
			if err != nil {
				t.Fatal(err)
			}
			var p models.Prediction
			if err := bson.Unmarshal(raw, &p); err != nil {
				t.Fatal(err)
			}
			got, err := checked(&p)
			if tt.ok {
				if err != nil || got.SavedStrategies == nil {
					t.Errorf("checked = %+v, %v", got, err)
				}
				return
			}
			if !errors.Is(err, models.ErrInvalidRecord) {
				t.Errorf("err = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

package pond

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/obsportal/obsportal/internal/models"
)

// Source supplies execution records reported by the scheduling layer since a
// point in time. Records are evidence only; they are never persisted here.
type Source interface {
	FetchSince(ctx context.Context, since time.Time) ([]models.ExecutionRecord, error)
}

// Block is the wire form of a scheduler execution report.
type Block struct {
	RequestID uuid.UUID  `json:"request_id"`
	GroupID   uuid.UUID  `json:"group_id"`
	Start     time.Time  `json:"start"`
	End       time.Time  `json:"end"`
	Canceled  bool       `json:"canceled"`
	Molecules []Molecule `json:"molecules"`
}

type Molecule struct {
	Completed bool `json:"completed"`
	Failed    bool `json:"failed"`
}

// ToRecord converts the wire block into the domain execution record.
func (b Block) ToRecord() models.ExecutionRecord {
	record := models.ExecutionRecord{
		RequestID: b.RequestID,
		GroupID:   b.GroupID,
		Start:     b.Start,
		End:       b.End,
		Canceled:  b.Canceled,
	}
	for _, m := range b.Molecules {
		record.Molecules = append(record.Molecules, models.MoleculeOutcome{
			Complete: m.Completed,
			Failed:   m.Failed,
		})
	}
	return record
}

func toRecords(blocks []Block) []models.ExecutionRecord {
	records := make([]models.ExecutionRecord, 0, len(blocks))
	for _, b := range blocks {
		records = append(records, b.ToRecord())
	}
	return records
}

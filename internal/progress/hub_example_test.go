package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit totals extracted records from unit events.
func ExampleHub_Emit() {
	var records int
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Second},
		sinkFunc(func(_ context.Context, batch []Event) error {
			for _, evt := range batch {
				records += evt.Records
			}
			return nil
		}))

	runID := UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	for ordinal := 1; ordinal <= 3; ordinal++ {
		hub.Emit(Event{
			RunID:   runID,
			TS:      time.Unix(0, 0),
			Stage:   StageUnitDone,
			Source:  "boston",
			Period:  2019,
			Ordinal: ordinal,
			Records: 1000,
		})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("records extracted: %d\n", records)
	// Output:
	// records extracted: 3000
}

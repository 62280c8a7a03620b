package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openvariant/variant/pkg/checkpoint"
	"github.com/openvariant/variant/pkg/stores"
)

// ExampleOpen demonstrates opening and migrating an in-memory store.
func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.HealthCheck(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_SaveState demonstrates saving and resuming a checkpoint.
func ExampleSQLiteStore_SaveState() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	state := &checkpoint.SerializableState{
		SessionID: "session-001",
		SavedAt:   time.Now(),
		State:     checkpoint.ExplorationState{CurrentDepth: 2, MaxDepth: 4},
		Metadata: checkpoint.Metadata{
			Version:      checkpoint.SchemaVersion,
			CurrentState: "PROCESSING_QUEUE",
		},
	}
	if err := store.SaveState(ctx, checkpoint.SaveRequest{SessionID: state.SessionID, State: state}); err != nil {
		log.Fatal(err)
	}

	states, err := store.FindResumableStates(ctx, checkpoint.ResumableQuery{
		SessionID: "session-001",
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		log.Fatal(err)
	}

	latest := checkpoint.MostRecent(states)
	fmt.Printf("Resume %s at depth %d\n", latest.Metadata.CurrentState, latest.State.CurrentDepth)
	// Output: Resume PROCESSING_QUEUE at depth 2
}

package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/epicflow/pkg/engine"
	"github.com/openfroyo/epicflow/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleMemoryStore_ClaimSlot shows that a second claim at the same slot
// revision loses.
func ExampleMemoryStore_ClaimSlot() {
	ctx := context.Background()
	store := stores.NewMemoryStore()

	_ = store.EnsureSlot(ctx, "alice")
	slot, _ := store.GetSlot(ctx, "alice")

	if _, err := store.ClaimSlot(ctx, "alice", "billing", slot.Revision, time.Now()); err == nil {
		fmt.Println("billing claimed alice")
	}
	_, err := store.ClaimSlot(ctx, "alice", "search", slot.Revision, time.Now())
	fmt.Println(engine.ErrorCode(err))
	// Output:
	// billing claimed alice
	// REVISION_CONFLICT
}

package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/drplane/drplane/pkg/engine"
	"github.com/drplane/drplane/pkg/stores"
)

// ExampleNewSQLStore demonstrates creating and migrating a SQLite store.
func ExampleNewSQLStore() {
	store, err := stores.NewSQLStore(stores.Config{
		Driver:          stores.DialectSQLite,
		Path:            ":memory:",
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLStore_TransitionDeployment demonstrates the compare-and-set
// status update.
func ExampleSQLStore_TransitionDeployment() {
	store, _ := stores.NewSQLStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_ = store.CreateDeployment(ctx, &engine.Deployment{
		ID:        "dep-001",
		TenantID:  "acme",
		Solution:  engine.SolutionSnapshot,
		Operation: engine.OperationApply,
		Status:    engine.StatusPending,
		Config:    `{"solutionType":"SNAPSHOT"}`,
	})

	err := store.TransitionDeployment(ctx, "dep-001", engine.StatusPending, engine.StatusRunning, nil)
	fmt.Println("first:", err == nil)

	err = store.TransitionDeployment(ctx, "dep-001", engine.StatusPending, engine.StatusRunning, nil)
	fmt.Println("second conflicts:", engine.IsConflict(err))
	// Output:
	// first: true
	// second conflicts: true
}

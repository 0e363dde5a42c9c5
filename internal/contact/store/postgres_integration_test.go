//go:build integration

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"linkage/internal/contact/models"
	"linkage/internal/platform/database"
	"linkage/pkg/testutil/containers"
)

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	suite.Run(t, &ContactStoreSuite{newStore: func() (contactStore, txRunner, func()) {
		if err := pg.TruncateTables(context.Background(), "contacts"); err != nil {
			t.Fatalf("truncate contacts: %v", err)
		}
		return NewPostgres(pg.DB.DB), database.NewTxRunner(pg.DB.DB, 0), nil
	}})
}

// TestPostgresConcurrentCreates verifies BIGSERIAL ids stay unique under
// parallel inserts through separate transactions.
func TestPostgresConcurrentCreates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	ctx := context.Background()
	if err := pg.TruncateTables(ctx, "contacts"); err != nil {
		t.Fatalf("truncate contacts: %v", err)
	}
	st := NewPostgres(pg.DB.DB)
	runner := database.NewTxRunner(pg.DB.DB, 0)

	const goroutines = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := runner.RunInTx(ctx, func(ctx context.Context) error {
				c, err := st.Create(ctx, models.NewPrimary(ptr("doc@hillvalley.edu"), nil, time.Now()))
				if err != nil {
					return err
				}
				mu.Lock()
				seen[c.ID] = true
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("create: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines {
		t.Fatalf("expected %d distinct ids, got %d", goroutines, len(seen))
	}
}

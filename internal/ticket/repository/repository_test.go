package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/kokino/internal/common/config"
	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/db"
	"github.com/kokino/kokino/internal/ticket/models"
)

// repoFactories lets every test run against both implementations.
func repoFactories(t *testing.T) map[string]func(t *testing.T) Repository {
	return map[string]func(t *testing.T) Repository{
		"memory": func(t *testing.T) Repository {
			return NewMemoryRepository()
		},
		"sqlite": func(t *testing.T) Repository {
			pool, err := db.Open(config.DatabaseConfig{
				Driver: "sqlite",
				Path:   filepath.Join(t.TempDir(), "tickets.db"),
			})
			require.NoError(t, err)
			t.Cleanup(func() { _ = pool.Close() })
			return NewSQLRepository(pool)
		},
	}
}

func newTicket(target, origin string) *models.Ticket {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Ticket{
		ID:          uuid.New().String(),
		TargetAgent: target,
		OriginAgent: origin,
		Payload:     "review the diff",
		Metadata:    map[string]interface{}{"threadId": "th-1"},
		ExpectReply: true,
		TimeoutMs:   30000,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestRepositoryCreateAndGet(t *testing.T) {
	for name, factory := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()

			ticket := newTicket("reviewer", "architect")
			require.NoError(t, repo.Create(ctx, ticket))

			got, err := repo.Get(ctx, ticket.ID)
			require.NoError(t, err)
			assert.Equal(t, ticket.ID, got.ID)
			assert.Equal(t, "reviewer", got.TargetAgent)
			assert.Equal(t, "architect", got.OriginAgent)
			assert.Equal(t, models.StatusPending, got.Status)
			assert.True(t, got.ExpectReply)
			assert.Equal(t, "th-1", got.Metadata["threadId"])
			assert.Nil(t, got.Response)
		})
	}
}

func TestRepositoryGetMissing(t *testing.T) {
	for name, factory := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)

			_, err := repo.Get(context.Background(), "no-such-ticket")
			require.Error(t, err)
			assert.True(t, apperrors.IsNotFound(err))
		})
	}
}

func TestRepositoryPendingOrder(t *testing.T) {
	for name, factory := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()

			base := time.Now().UTC().Truncate(time.Millisecond)
			var ids []string
			for i := 0; i < 3; i++ {
				ticket := newTicket("worker", "lead")
				ticket.CreatedAt = base.Add(time.Duration(i) * time.Second)
				ticket.UpdatedAt = ticket.CreatedAt
				require.NoError(t, repo.Create(ctx, ticket))
				ids = append(ids, ticket.ID)
			}

			// Tickets for other agents and non-pending tickets are excluded.
			other := newTicket("someone-else", "lead")
			require.NoError(t, repo.Create(ctx, other))
			done := newTicket("worker", "lead")
			require.NoError(t, repo.Create(ctx, done))
			_, err := repo.Transition(ctx, done.ID, models.StatusError, nil)
			require.NoError(t, err)

			pending, err := repo.GetPending(ctx, "worker")
			require.NoError(t, err)
			require.Len(t, pending, 3)
			for i, ticket := range pending {
				assert.Equal(t, ids[i], ticket.ID, "pending tickets must come back oldest first")
			}
		})
	}
}

func TestRepositoryTerminalIsFirstWins(t *testing.T) {
	for name, factory := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()

			ticket := newTicket("worker", "lead")
			require.NoError(t, repo.Create(ctx, ticket))

			resp := &models.Response{Payload: "done", At: time.Now().UTC()}
			won, err := repo.Transition(ctx, ticket.ID, models.StatusResponded, resp)
			require.NoError(t, err)
			assert.True(t, won)

			// A late timeout must not overwrite the response.
			won, err = repo.Transition(ctx, ticket.ID, models.StatusTimeout, nil)
			require.NoError(t, err)
			assert.False(t, won)

			got, err := repo.Get(ctx, ticket.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusResponded, got.Status)
			require.NotNil(t, got.Response)
			assert.Equal(t, "done", got.Response.Payload)
		})
	}
}

func TestRepositoryDeliveredGuard(t *testing.T) {
	for name, factory := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()

			ticket := newTicket("worker", "lead")
			require.NoError(t, repo.Create(ctx, ticket))

			won, err := repo.Transition(ctx, ticket.ID, models.StatusDelivered, nil)
			require.NoError(t, err)
			assert.True(t, won)

			// Second acknowledgement loses.
			won, err = repo.Transition(ctx, ticket.ID, models.StatusDelivered, nil)
			require.NoError(t, err)
			assert.False(t, won)

			// Delivered tickets can still reach a terminal state.
			resp := &models.Response{Payload: "done", At: time.Now().UTC()}
			won, err = repo.Transition(ctx, ticket.ID, models.StatusResponded, resp)
			require.NoError(t, err)
			assert.True(t, won)
		})
	}
}

func TestRepositoryTimeoutRequiresPending(t *testing.T) {
	for name, factory := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()

			ticket := newTicket("worker", "lead")
			require.NoError(t, repo.Create(ctx, ticket))

			won, err := repo.Transition(ctx, ticket.ID, models.StatusDelivered, nil)
			require.NoError(t, err)
			require.True(t, won)

			// A racing expiry must not overwrite an acknowledged ticket.
			won, err = repo.Transition(ctx, ticket.ID, models.StatusTimeout, nil)
			require.NoError(t, err)
			assert.False(t, won)

			got, err := repo.Get(ctx, ticket.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusDelivered, got.Status)
		})
	}
}

func TestRepositoryCleanup(t *testing.T) {
	for name, factory := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()

			old := newTicket("worker", "lead")
			require.NoError(t, repo.Create(ctx, old))
			_, err := repo.Transition(ctx, old.ID, models.StatusError, nil)
			require.NoError(t, err)

			fresh := newTicket("worker", "lead")
			require.NoError(t, repo.Create(ctx, fresh))

			removed, err := repo.DeleteTerminalBefore(ctx, time.Now().UTC().Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			// Pending tickets survive any cutoff.
			count, err := repo.CountAll(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

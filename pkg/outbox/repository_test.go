package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/keymart-backend/pkg/db/dbtest"
	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
)

func TestDeleteSettledBeforeHonorsLimitAndCutoff(t *testing.T) {
	client := dbtest.New(t)
	repo := NewRepository(client.DB())
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	insert := func(column string, at *time.Time) uuid.UUID {
		row := models.OutboxEvent{
			ID:            uuid.New(),
			EventType:     enums.EventPaymentCompleted,
			AggregateType: enums.AggregatePayment,
			AggregateID:   uuid.New(),
			Payload:       json.RawMessage(`{}`),
		}
		require.NoError(t, repo.Insert(client.DB(), row))
		if at != nil {
			require.NoError(t, client.DB().Model(&models.OutboxEvent{}).Where("id = ?", row.ID).Update(column, *at).Error)
		}
		return row.ID
	}
	insert("published_at", &old)
	insert("terminal_at", &old)
	recent := insert("published_at", &now)
	pending := insert("", nil)

	cutoff := now.Add(-24 * time.Hour)
	deleted, err := repo.DeleteSettledBefore(ctx, nil, cutoff, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	deleted, err = repo.DeleteSettledBefore(ctx, nil, cutoff, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	deleted, err = repo.DeleteSettledBefore(ctx, nil, cutoff, 10)
	require.NoError(t, err)
	require.Zero(t, deleted)

	var left []uuid.UUID
	require.NoError(t, client.DB().Model(&models.OutboxEvent{}).Order("created_at").Pluck("id", &left).Error)
	require.ElementsMatch(t, []uuid.UUID{recent, pending}, left)
}

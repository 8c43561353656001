package approval

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ai/loom/internal/model"
)

func testGate() *Gate {
	// Validation happens before any store access, so a nil store is fine here.
	return NewGate(nil, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestExpiryFrom(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	require.Nil(t, expiryFrom(now, 0))
	require.Nil(t, expiryFrom(now, -time.Hour))

	deadline := expiryFrom(now, 24*time.Hour)
	require.NotNil(t, deadline)
	require.Equal(t, now.Add(24*time.Hour), *deadline)
}

func TestResolveRejectsInvalidDecision(t *testing.T) {
	g := testGate()

	_, err := g.Resolve(context.Background(), uuid.New(), uuid.New(), model.Decision("maybe"), nil, "alice")
	require.ErrorIs(t, err, ErrInvalidDecision)
}

func TestResolveEditApproveRequiresArgs(t *testing.T) {
	g := testGate()

	_, err := g.Resolve(context.Background(), uuid.New(), uuid.New(), model.DecisionEditApprove, nil, "alice")
	require.ErrorIs(t, err, ErrInvalidDecision)

	_, err = g.Resolve(context.Background(), uuid.New(), uuid.New(), model.DecisionEditApprove, []byte("{broken"), "alice")
	require.ErrorIs(t, err, ErrInvalidDecision)
}

package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// tests below exercise the adapter's local guards, which run before any
// connection is touched

func bootstrap(t *testing.T) *Store {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	return &Store{logger: logger.Sugar()}
}

func TestSendMessageBlankContent(t *testing.T) {
	t.Parallel()

	s := bootstrap(t)

	_, err := s.SendMessage(context.Background(), uuid.New(), uuid.New(), "   \n")
	require.Equal(t, ErrEmptyContent, err)
}

func TestMarkReadNoIDs(t *testing.T) {
	t.Parallel()

	s := bootstrap(t)

	require.NoError(t, s.MarkRead(context.Background(), uuid.New(), nil))
}

func TestUUIDStrings(t *testing.T) {
	t.Parallel()

	a := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	b := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	require.Equal(t,
		[]string{"11111111-1111-1111-1111-111111111111", "22222222-2222-2222-2222-222222222222"},
		uuidStrings([]uuid.UUID{a, b}),
	)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want OutcomeKind
	}{
		{"nil error", context.Background(), nil, OutcomeSuccess},
		{"blocked", context.Background(), &BlockedError{Signature: "captcha"}, OutcomeAntiBot},
		{"wrapped blocked", context.Background(), fmt.Errorf("visit: %w", &BlockedError{Signature: "captcha"}), OutcomeAntiBot},
		{"shutdown", canceled, errors.New("anything"), OutcomeShutdown},
		{"deadline without shutdown", context.Background(), context.DeadlineExceeded, OutcomeTransient},
		{"session dead", context.Background(), &SessionDeadError{Cause: errors.New("crashed")}, OutcomeSessionFatal},
		{"net error", context.Background(), &net.OpError{Op: "dial", Err: errors.New("refused")}, OutcomeTransient},
		{"plain error", context.Background(), errors.New("boom"), OutcomeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Classify(tt.ctx, tt.err))
		})
	}
}

func TestClassifyAntiBotPrecedesShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fmt.Errorf("attempt: %w", &BlockedError{Signature: "interstitial"})
	require.Equal(t, OutcomeAntiBot, Classify(ctx, err))
}

func TestMeaningfulRowsFiltersPlaceholders(t *testing.T) {
	t.Parallel()

	rows := []Row{
		{"name": "widget", "price": ""},
		{"name": "", "price": ""},
		{},
		{"name": "gadget"},
	}
	got := MeaningfulRows(rows)
	require.Len(t, got, 2)
	require.Equal(t, "widget", got[0]["name"])
	require.Equal(t, "gadget", got[1]["name"])
}

func TestSessionDeadErrorUnwraps(t *testing.T) {
	t.Parallel()

	cause := errors.New("websocket closed")
	err := fmt.Errorf("navigate: %w", &SessionDeadError{Cause: cause})

	var dead *SessionDeadError
	require.True(t, errors.As(err, &dead))
	require.True(t, errors.Is(err, cause))
}

package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalWorkerIsDeterministic(t *testing.T) {
	w := NewLocalWorker()
	input := PropertyInput{Address: "42 Elm Street, Denver CO", Details: "3 bed, 2 bath"}

	first, err := w.RunAnalysis(context.Background(), "job-a", input)
	require.NoError(t, err)
	second, err := w.RunAnalysis(context.Background(), "job-b", input)
	require.NoError(t, err)

	assert.Equal(t, first.EstimatedRent, second.EstimatedRent)
	assert.Equal(t, first.GrossYield, second.GrossYield)
	assert.Equal(t, input.Address, first.Address)
	assert.NotEmpty(t, first.Summary)
}

func TestLocalWorkerRespectsCancellation(t *testing.T) {
	w := NewLocalWorker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.RunAnalysis(ctx, "job-c", PropertyInput{Address: "42 Elm Street, Denver CO"})
	assert.ErrorIs(t, err, context.Canceled)
}

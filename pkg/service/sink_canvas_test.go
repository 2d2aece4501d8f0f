package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowmail/rowmail/pkg/service"
	"github.com/rowmail/rowmail/pkg/storage"
)

func TestCanvasSinkPacing(t *testing.T) {
	st := storage.NewMockStore()
	tokens := service.NewTokenManager(st, []service.CanvasInstance{
		{Name: "uni", BaseURL: "https://canvas.uni.edu", BurstSize: 25, BurstPause: 10 * time.Second},
		{Name: "open", BaseURL: "https://canvas.open.edu"},
	})
	sink := service.NewCanvasSink(nil, tokens)

	burst, pause, ok := sink.Pacing(&service.RunJob{
		Payload: map[string]any{"canvas_instance": "uni"},
	})
	require.True(t, ok)
	assert.Equal(t, 25, burst)
	assert.Equal(t, 10*time.Second, pause)

	_, _, ok = sink.Pacing(&service.RunJob{
		Payload: map[string]any{"canvas_instance": "open"},
	})
	assert.False(t, ok, "instances without pacing fall back to the dispatcher config")

	_, _, ok = sink.Pacing(&service.RunJob{Payload: map[string]any{}})
	assert.False(t, ok)
}

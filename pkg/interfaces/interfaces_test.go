package interfaces_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

func TestHandlerFunc_SatisfiesFeatureHandler(t *testing.T) {
	var called *types.Message
	var h interfaces.FeatureHandler = interfaces.HandlerFunc{
		Type: types.FeatureCompliance,
		Fn: func(ctx context.Context, msg *types.Message, hctx interfaces.HandlerContext) (*interfaces.HandlerResult, error) {
			called = msg
			return &interfaces.HandlerResult{}, nil
		},
	}

	msg := &types.Message{ID: "m1", Feature: types.FeatureCompliance}
	res, err := h.HandleFeatureMessage(context.Background(), msg, interfaces.HandlerContext{ConnectionID: "c1"})
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Same(t, msg, called)
	assert.Equal(t, types.FeatureCompliance, h.Feature())
}

package mocks

import (
	"context"

	"github.com/Harvey-AU/lyrebird/internal/tts"
	"github.com/stretchr/testify/mock"
)

// Engine mocks the synthesis engine.
type Engine struct {
	mock.Mock
}

func (m *Engine) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	args := m.Called(ctx, req)
	if result := args.Get(0); result != nil {
		return result.(*tts.Result), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Engine) Sample(ctx context.Context, voiceID string) ([]byte, error) {
	args := m.Called(ctx, voiceID)
	if audio := args.Get(0); audio != nil {
		return audio.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Engine) Preload(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *Engine) Voices() []tts.Voice {
	args := m.Called()
	if voices := args.Get(0); voices != nil {
		return voices.([]tts.Voice)
	}
	return nil
}

func (m *Engine) Close() {
	m.Called()
}

package ops

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestStopBeforeStart(t *testing.T) {
	s := NewServer(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("stop before start: %v", err)
	}
}

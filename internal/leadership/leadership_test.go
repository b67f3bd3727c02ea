package leadership

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHandler) OnStepUp(ctx context.Context) {
	h.mu.Lock()
	h.events = append(h.events, "up")
	h.mu.Unlock()
}

func (h *recordingHandler) OnStepDown() {
	h.mu.Lock()
	h.events = append(h.events, "down")
	h.mu.Unlock()
}

func (h *recordingHandler) recorded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func waitForEvents(t *testing.T, h *recordingHandler, want []string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := h.recorded()
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
}

func TestWatcher_TranslatesTransitions(t *testing.T) {
	handler := &recordingHandler{}
	w := NewWatcher(handler, zap.NewNop())

	leaderCh := make(chan bool)
	go w.Run(leaderCh)

	leaderCh <- true
	leaderCh <- false
	leaderCh <- true
	waitForEvents(t, handler, []string{"up", "down", "up"})

	// Stop while leading delivers a final step-down.
	w.Stop()
	require.Equal(t, []string{"up", "down", "up", "down"}, handler.recorded())
}

func TestWatcher_IgnoresDuplicateSignals(t *testing.T) {
	handler := &recordingHandler{}
	w := NewWatcher(handler, zap.NewNop())

	leaderCh := make(chan bool)
	go w.Run(leaderCh)

	leaderCh <- true
	leaderCh <- true
	leaderCh <- false
	leaderCh <- false
	waitForEvents(t, handler, []string{"up", "down"})

	w.Stop()
	require.Equal(t, []string{"up", "down"}, handler.recorded())
}

func TestWatcher_ClosedChannelStepsDown(t *testing.T) {
	handler := &recordingHandler{}
	w := NewWatcher(handler, zap.NewNop())

	leaderCh := make(chan bool)
	done := make(chan struct{})
	go func() {
		w.Run(leaderCh)
		close(done)
	}()

	leaderCh <- true
	close(leaderCh)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run never returned after channel close")
	}
	require.Equal(t, []string{"up", "down"}, handler.recorded())
}

func TestWatcher_StopWhileFollowing(t *testing.T) {
	handler := &recordingHandler{}
	w := NewWatcher(handler, zap.NewNop())

	go w.Run(make(chan bool))
	w.Stop()
	require.Empty(t, handler.recorded())
}

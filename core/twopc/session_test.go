package twopc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSessionID_Distinct(t *testing.T) {
	seen := make(map[SessionID]struct{})
	for i := 0; i < 100; i++ {
		sid := NewSessionID()
		require.NotEmpty(t, sid)
		_, dup := seen[sid]
		require.False(t, dup, "session id %s minted twice", sid)
		seen[sid] = struct{}{}
	}
}

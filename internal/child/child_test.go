package child

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartAndPollExit(t *testing.T) {
	sp, err := Start("/bin/sh", []string{"-c", "exit 7"})
	require.NoError(t, err)
	require.Greater(t, sp.PID(), 0)

	deadline := time.Now().Add(2 * time.Second)
	var res PollResult
	for time.Now().Before(deadline) {
		res = sp.Poll()
		if res.Status == Exited {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, Exited, res.Status)
	require.Equal(t, 7, res.Code)
}

func TestPollDoesNotBlockWhileRunning(t *testing.T) {
	sp, err := Start("/bin/sh", []string{"-c", "sleep 1"})
	require.NoError(t, err)

	start := time.Now()
	res := sp.Poll()
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.Equal(t, NotExited, res.Status)
}

func TestStartUnknownProgramFails(t *testing.T) {
	_, err := Start("/no/such/binary-xyz", nil)
	require.Error(t, err)
}

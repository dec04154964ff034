//go:build !windows
// +build !windows

package agent

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperOrphanParent is re-executed as an agent that leaves a child in
// its own session holding the agent's stdout.
func TestHelperOrphanParent(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	if os.Getenv("AGENT_MODE") == "orphan-child" {
		time.Sleep(3 * time.Second)
		return
	}

	child := exec.Command(os.Args[0], "-test.run=TestHelperOrphanParent", "--")
	child.Env = append(os.Environ(), "AGENT_MODE=orphan-child")
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		os.Exit(2)
	}
	fmt.Println("ready")
	time.Sleep(time.Hour)
}

func TestStopWithOrphanHoldingOutput(t *testing.T) {
	m := newTestManager(t, Options{})
	l := newRecordingListener()

	_, err := m.Start(Spec{
		ProjectID:  "p1",
		Executable: os.Args[0],
		Args:       []string{"-test.run=TestHelperOrphanParent", "--"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"AGENT_MODE":             "orphan-parent",
		},
	}, l)
	require.NoError(t, err)
	assert.Equal(t, "ready", l.waitLine(t))

	start := time.Now()
	require.NoError(t, m.Stop("p1", 200*time.Millisecond))
	assert.Less(t, time.Since(start), postKillWait)

	// Outlive the orphan so its late exit lands while we watch.
	time.Sleep(2 * time.Second)

	status, _ := m.Status("p1")
	assert.Equal(t, StateStopped, status.State)
	assert.Empty(t, status.LastError)
	assert.NoError(t, m.Stop("p1", time.Second))
}

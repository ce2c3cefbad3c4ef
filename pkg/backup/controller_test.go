package backup

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerIndexZeroIsPrimaryImmediately(t *testing.T) {
	c := New(Config{MyIndex: 0, HeartbeatPath: filepath.Join(t.TempDir(), "hb"), HeartbeatInterval: time.Hour})
	assert.True(t, c.IsPrimary())
	_, idx := c.ControlTime()
	assert.EqualValues(t, 0, idx)
}

func TestControllerIndexZeroWritesHeartbeatOnStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hb")
	c := New(Config{MyIndex: 0, HeartbeatPath: path, HeartbeatInterval: time.Hour})
	c.Start()
	defer c.Stop()

	waitUntilBackup(t, time.Second, func() bool {
		info, err := ReadHeartbeat(path)
		return err == nil && info.ControllerIndex == 0
	})
}

func TestForceTakeoverRefusesWithoutHeartbeatFile(t *testing.T) {
	c := New(Config{MyIndex: 1, HeartbeatPath: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, c.ForceTakeover())
}

func TestForceTakeoverNoopWhenAlreadyPrimary(t *testing.T) {
	c := New(Config{MyIndex: 0})
	assert.NoError(t, c.ForceTakeover())
}

func waitUntilBackup(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestForceTakeoverTriggersTakeoverWhenStandby(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hb")
	require.NoError(t, WriteHeartbeat(path, 0))

	c := New(Config{
		MyIndex:           1,
		HeartbeatPath:     path,
		HeartbeatInterval: time.Hour,
		PingInterval:      time.Hour,
		WaitTime:          time.Millisecond,
		Dial: func(addr string) (PeerClient, error) {
			return &fakePeerClient{}, nil
		},
	})
	c.Start()
	defer c.Stop()

	require.NoError(t, c.ForceTakeover())
	waitUntilBackup(t, time.Second, c.IsPrimary)
}

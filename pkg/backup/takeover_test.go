package backup

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTakeoverCommandsPeersAndRunsHook(t *testing.T) {
	var shutdownCalls, controlCalls int32
	var controlledIndex int32

	c := New(Config{
		MyIndex:           1,
		Peers:             []Peer{{Index: 0, Addr: "higher"}, {Index: 2, Addr: "lower"}},
		HeartbeatPath:     filepath.Join(t.TempDir(), "hb"),
		HeartbeatInterval: time.Hour,
		WaitTime:          time.Millisecond,
		Dial: func(addr string) (PeerClient, error) {
			return &fakePeerClient{
				onShutdown: func() { atomic.AddInt32(&shutdownCalls, 1) },
				onControl: func(newPrimaryIndex int32) {
					atomic.AddInt32(&controlCalls, 1)
					atomic.StoreInt32(&controlledIndex, newPrimaryIndex)
				},
			}, nil
		},
	})

	hookDone := make(chan struct{})
	c.OnTakeover(func() error { close(hookDone); return nil })

	go c.takeover()

	select {
	case <-hookDone:
	case <-time.After(time.Second):
		t.Fatal("takeover hook was not invoked")
	}

	assert.True(t, c.IsPrimary())
	assert.EqualValues(t, 1, atomic.LoadInt32(&shutdownCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&controlCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&controlledIndex))

	// takeover() was run directly rather than via Start, so nothing closes
	// c.stopped; closing stopCh ends its heartbeat loop.
	close(c.stopCh)
}

func TestTakeoverToleratesUnreachablePeers(t *testing.T) {
	c := New(Config{
		MyIndex:           1,
		Peers:             []Peer{{Index: 2, Addr: "lower"}},
		HeartbeatPath:     filepath.Join(t.TempDir(), "hb"),
		HeartbeatInterval: time.Hour,
		WaitTime:          time.Millisecond,
		Dial: func(addr string) (PeerClient, error) {
			return nil, assert.AnError
		},
	})

	done := make(chan struct{})
	go func() {
		c.takeover()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("takeover returned without entering heartbeat loop")
	case <-time.After(50 * time.Millisecond):
	}

	assert.True(t, c.IsPrimary())
	close(c.stopCh)
	<-done
}

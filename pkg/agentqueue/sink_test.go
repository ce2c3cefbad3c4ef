package agentqueue

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/controllerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleAccountingEnqueuesFireAndForgetMessages(t *testing.T) {
	transport := &fakeTransport{}
	agent := New(Config{DrainInterval: 5 * time.Millisecond}, transport)
	agent.Start()
	defer agent.Stop()

	codes, err := agent.HandleAccounting(context.Background(), []types.AgentQueueItem{
		{RPCType: RPCStepStart, Payload: []byte("a")},
		{RPCType: RPCStepComplete, Payload: []byte("b")},
	})
	require.NoError(t, err)
	assert.Len(t, codes, 2)

	waitUntil(t, time.Second, func() bool { return transport.sentCount() > 0 })
}

func TestHandleAccountingSendsSyncMessagesInline(t *testing.T) {
	transport := &fakeTransport{}
	agent := New(Config{}, transport)

	codes, err := agent.HandleAccounting(context.Background(), []types.AgentQueueItem{
		{RPCType: "JOB_COMPLETE", Payload: []byte("x"), ResponseWant: true},
	})
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, 1, transport.sentCount())
}

func TestHandleAccountingPropagatesSyncTransportError(t *testing.T) {
	transport := &fakeTransport{sendErr: assert.AnError}
	agent := New(Config{}, transport)

	_, err := agent.HandleAccounting(context.Background(), []types.AgentQueueItem{
		{RPCType: "JOB_COMPLETE", Payload: []byte("x"), ResponseWant: true},
	})
	assert.Error(t, err)
}

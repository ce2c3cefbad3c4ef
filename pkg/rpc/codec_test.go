package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := &ControlStatusResponse{ControlTime: 42, BackupInx: 2, IsPrimary: true}

	data, err := c.Marshal(req)
	require.NoError(t, err)

	var out ControlStatusResponse
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, *req, out)
}

func TestJSONCodecName(t *testing.T) {
	assert.Equal(t, "json", jsonCodec{}.Name())
}

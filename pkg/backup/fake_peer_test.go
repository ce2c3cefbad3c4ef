package backup

import (
	"context"
	"errors"

	"github.com/cuemby/controllerd/pkg/rpc"
)

type fakePeerClient struct {
	controlStatus *rpc.ControlStatusResponse
	controlStatusErr error
	onShutdown       func()
	onControl        func(newPrimaryIndex int32)
}

func (f *fakePeerClient) ControlStatus(ctx context.Context) (*rpc.ControlStatusResponse, error) {
	if f.controlStatusErr != nil {
		return nil, f.controlStatusErr
	}
	if f.controlStatus == nil {
		return nil, errors.New("fakePeerClient: no ControlStatus response configured")
	}
	return f.controlStatus, nil
}

func (f *fakePeerClient) Shutdown(ctx context.Context, core bool) error {
	if f.onShutdown != nil {
		f.onShutdown()
	}
	return nil
}

func (f *fakePeerClient) Control(ctx context.Context, newPrimaryIndex int32) error {
	if f.onControl != nil {
		f.onControl(newPrimaryIndex)
	}
	return nil
}

func (f *fakePeerClient) Close() error { return nil }

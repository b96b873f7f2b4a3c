package proxy

import (
	"context"
	"sync"
)

// Application is the interface an in-process validation engine implements.
// Unlike Engine it has no call-failure mode: local calls cannot lose the
// transport.
type Application interface {
	Info() EngineInfo
	ApplyBlock(ApplyRequest) (*ApplyResult, *ValidationError)
	Reclaim()
}

// LocalEngine exposes an in-process Application behind the Engine
// boundary. A mutex serializes all calls, mirroring the single-session
// discipline of a remote engine.
type LocalEngine struct {
	mtx sync.Mutex
	app Application
}

var _ Engine = (*LocalEngine)(nil)

// NewLocalEngine wraps an Application.
func NewLocalEngine(app Application) *LocalEngine {
	return &LocalEngine{app: app}
}

func (e *LocalEngine) Info(ctx context.Context) (EngineInfo, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.app.Info(), nil
}

func (e *LocalEngine) ApplyBlock(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, verr := e.app.ApplyBlock(req)
	if verr != nil {
		return nil, verr
	}
	return res, nil
}

func (e *LocalEngine) Reclaim(ctx context.Context) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.app.Reclaim()
	return nil
}

func (e *LocalEngine) Close() error { return nil }

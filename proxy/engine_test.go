package proxy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stela-net/stela/libs/log"
	"github.com/stela-net/stela/types"
)

// stubApp accepts every block and records reclaim calls.
type stubApp struct {
	reclaims int64
	rejectAs string
}

func (a *stubApp) Info() EngineInfo {
	return EngineInfo{Version: "stub", ProtocolVersion: 1}
}

func (a *stubApp) ApplyBlock(req ApplyRequest) (*ApplyResult, *ValidationError) {
	if a.rejectAs != "" {
		return nil, &ValidationError{Block: req.Header.Hash(), Reason: a.rejectAs}
	}
	return &ApplyResult{
		ContextHash:      types.ContextHash{0x42},
		OperationResults: [][]byte{[]byte("ok")},
	}, nil
}

func (a *stubApp) Reclaim() { atomic.AddInt64(&a.reclaims, 1) }

func testApplyRequest() ApplyRequest {
	header := &types.BlockHeader{
		ChainID:     "stela-test",
		Level:       1,
		Predecessor: types.BlockHash{0x01},
		Timestamp:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	return ApplyRequest{
		ChainID:            "stela-test",
		Header:             header,
		PredecessorContext: types.ContextHash{0x11},
	}
}

func TestLocalEngine(t *testing.T) {
	app := &stubApp{}
	engine := NewLocalEngine(app)
	ctx := context.Background()

	info, err := engine.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stub", info.Version)

	res, err := engine.ApplyBlock(ctx, testApplyRequest())
	require.NoError(t, err)
	assert.Equal(t, types.ContextHash{0x42}, res.ContextHash)

	require.NoError(t, engine.Reclaim(ctx))
	assert.EqualValues(t, 1, atomic.LoadInt64(&app.reclaims))
}

func TestLocalEngineValidationError(t *testing.T) {
	engine := NewLocalEngine(&stubApp{rejectAs: "bad signature"})

	_, err := engine.ApplyBlock(context.Background(), testApplyRequest())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "bad signature", verr.Reason)
}

func TestRemoteEngineRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := &stubApp{}
	server := NewEngineServer(log.NewTestingLogger(t), "127.0.0.1:0", "tcp", app)
	require.NoError(t, server.Start(ctx))
	defer func() {
		_ = server.Stop()
		// give the accept loop a moment to wind down for leaktest
		time.Sleep(50 * time.Millisecond)
	}()

	engine := NewRemoteEngine(server.Addr().String(), "tcp", 3)
	defer engine.Close()

	info, err := engine.Info(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.ProtocolVersion)

	res, err := engine.ApplyBlock(ctx, testApplyRequest())
	require.NoError(t, err)
	assert.Equal(t, types.ContextHash{0x42}, res.ContextHash)
	require.Len(t, res.OperationResults, 1)

	require.NoError(t, engine.Reclaim(ctx))
	assert.EqualValues(t, 1, atomic.LoadInt64(&app.reclaims))
}

func TestRemoteEngineValidationErrorNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := &stubApp{rejectAs: "invalid fitness"}
	server := NewEngineServer(log.NewTestingLogger(t), "127.0.0.1:0", "tcp", app)
	require.NoError(t, server.Start(ctx))
	defer func() { _ = server.Stop() }()

	engine := NewRemoteEngine(server.Addr().String(), "tcp", 3)
	defer engine.Close()

	_, err := engine.ApplyBlock(ctx, testApplyRequest())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "invalid fitness", verr.Reason)
}

func TestRemoteEngineUnavailable(t *testing.T) {
	// nothing listens here
	engine := NewRemoteEngine("127.0.0.1:1", "tcp", 2)
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := engine.Info(ctx)
	require.ErrorIs(t, err, ErrEngineUnavailable)
}

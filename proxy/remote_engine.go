package proxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/stela-net/stela/types"
)

const (
	reqInfo uint8 = iota + 1
	reqApply
	reqReclaim
)

// maxEngineResponseSize bounds a single response frame from the engine.
const maxEngineResponseSize = 64 << 20 // 64 MB

const dialTimeout = 3 * time.Second

type engineRequest struct {
	Kind  uint8         `cbor:"1,keyasint"`
	Apply *ApplyRequest `cbor:"2,keyasint,omitempty"`
}

type engineResponse struct {
	Info    *EngineInfo  `cbor:"1,keyasint,omitempty"`
	Result  *ApplyResult `cbor:"2,keyasint,omitempty"`
	Invalid string       `cbor:"3,keyasint,omitempty"`
	Error   string       `cbor:"4,keyasint,omitempty"`
}

// RemoteEngine talks to an external validation engine process over a
// length-prefixed CBOR protocol on a tcp or unix socket. Each call is
// retried with a fresh connection up to maxRetries times when the
// transport fails; a validation rejection is a definitive answer and is
// never retried. Exhausting the retries yields ErrEngineUnavailable.
type RemoteEngine struct {
	addr       string
	transport  string
	maxRetries int

	mtx  sync.Mutex
	conn net.Conn
}

var _ Engine = (*RemoteEngine)(nil)

// NewRemoteEngine returns an unconnected RemoteEngine; the connection is
// established lazily on the first call.
func NewRemoteEngine(addr, transport string, maxRetries int) *RemoteEngine {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &RemoteEngine{
		addr:       addr,
		transport:  transport,
		maxRetries: maxRetries,
	}
}

func (e *RemoteEngine) Info(ctx context.Context) (EngineInfo, error) {
	resp, err := e.call(ctx, engineRequest{Kind: reqInfo}, types.BlockHash{})
	if err != nil {
		return EngineInfo{}, err
	}
	if resp.Info == nil {
		return EngineInfo{}, fmt.Errorf("engine info response missing payload")
	}
	return *resp.Info, nil
}

func (e *RemoteEngine) ApplyBlock(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	resp, err := e.call(ctx, engineRequest{Kind: reqApply, Apply: &req}, req.Header.Hash())
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("engine apply response missing payload")
	}
	return resp.Result, nil
}

func (e *RemoteEngine) Reclaim(ctx context.Context) error {
	_, err := e.call(ctx, engineRequest{Kind: reqReclaim}, types.BlockHash{})
	return err
}

// Close closes the current connection, if any.
func (e *RemoteEngine) Close() error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// call runs one request/response exchange under the restart-and-retry
// policy. The mutex serializes all engine traffic on the single session.
func (e *RemoteEngine) call(ctx context.Context, req engineRequest, block types.BlockHash) (*engineResponse, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if e.conn == nil {
			conn, err := e.dial(ctx)
			if err != nil {
				lastErr = err
				continue
			}
			e.conn = conn
		}

		resp, err := e.roundTrip(ctx, req)
		if err != nil {
			// transport failure: drop the connection and retry
			e.conn.Close()
			e.conn = nil
			lastErr = err
			continue
		}

		if resp.Invalid != "" {
			return nil, &ValidationError{Block: block, Reason: resp.Invalid}
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("engine error: %s", resp.Error)
		}
		return resp, nil
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrEngineUnavailable, e.maxRetries, lastErr)
}

func (e *RemoteEngine) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, e.transport, e.addr)
	if err != nil {
		return nil, fmt.Errorf("dialing engine at %s://%s: %w", e.transport, e.addr, err)
	}
	return conn, nil
}

func (e *RemoteEngine) roundTrip(ctx context.Context, req engineRequest) (*engineResponse, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := e.conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	} else if err := e.conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	bz, err := types.MarshalCBOR(req)
	if err != nil {
		return nil, fmt.Errorf("encoding engine request: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(bz)))
	if _, err := e.conn.Write(lenBuf[:]); err != nil {
		return nil, err
	}
	if _, err := e.conn.Write(bz); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(e.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxEngineResponseSize {
		return nil, fmt.Errorf("engine response too large: %d bytes", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(e.conn, payload); err != nil {
		return nil, err
	}

	resp := new(engineResponse)
	if err := types.UnmarshalCBOR(payload, resp); err != nil {
		return nil, fmt.Errorf("decoding engine response: %w", err)
	}
	return resp, nil
}

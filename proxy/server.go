package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/stela-net/stela/libs/log"
	"github.com/stela-net/stela/libs/service"
	"github.com/stela-net/stela/types"
)

// EngineServer serves an in-process Application over the remote engine
// socket protocol. It exists so validation engines can be run as separate
// processes, and so RemoteEngine has something real to talk to in tests.
type EngineServer struct {
	service.BaseService
	logger log.Logger

	transport string
	addr      string
	app       Application

	listener net.Listener
}

// NewEngineServer creates a server listening on the given transport and
// address once started.
func NewEngineServer(logger log.Logger, addr, transport string, app Application) *EngineServer {
	s := &EngineServer{
		logger:    logger,
		transport: transport,
		addr:      addr,
		app:       app,
	}
	s.BaseService = *service.NewBaseService(logger, "EngineServer", s)
	return s
}

func (s *EngineServer) OnStart(ctx context.Context) error {
	ln, err := net.Listen(s.transport, s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s://%s: %w", s.transport, s.addr, err)
	}
	s.listener = ln

	go s.acceptLoop()
	return nil
}

func (s *EngineServer) OnStop() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// Addr returns the listener address, useful when listening on port 0.
func (s *EngineServer) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *EngineServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.IsRunning() {
				s.logger.Error("failed to accept engine connection", "err", err)
			}
			return
		}
		go s.serveConn(conn)
	}
}

func (s *EngineServer) serveConn(conn net.Conn) {
	defer conn.Close()

	for {
		req, err := readRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.IsRunning() {
				s.logger.Error("failed to read engine request", "err", err)
			}
			return
		}

		resp := s.handle(req)
		if err := writeResponse(conn, resp); err != nil {
			if s.IsRunning() {
				s.logger.Error("failed to write engine response", "err", err)
			}
			return
		}
	}
}

func (s *EngineServer) handle(req *engineRequest) *engineResponse {
	switch req.Kind {
	case reqInfo:
		info := s.app.Info()
		return &engineResponse{Info: &info}
	case reqApply:
		if req.Apply == nil || req.Apply.Header == nil {
			return &engineResponse{Error: "apply request without block"}
		}
		result, verr := s.app.ApplyBlock(*req.Apply)
		if verr != nil {
			return &engineResponse{Invalid: verr.Reason}
		}
		return &engineResponse{Result: result}
	case reqReclaim:
		s.app.Reclaim()
		return &engineResponse{Result: &ApplyResult{}}
	default:
		return &engineResponse{Error: fmt.Sprintf("unknown request kind %d", req.Kind)}
	}
}

func readRequest(conn net.Conn) (*engineRequest, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxEngineResponseSize {
		return nil, fmt.Errorf("engine request too large: %d bytes", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}

	req := new(engineRequest)
	if err := types.UnmarshalCBOR(payload, req); err != nil {
		return nil, fmt.Errorf("decoding engine request: %w", err)
	}
	return req, nil
}

func writeResponse(conn net.Conn, resp *engineResponse) error {
	bz, err := types.MarshalCBOR(resp)
	if err != nil {
		return fmt.Errorf("encoding engine response: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(bz)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = conn.Write(bz)
	return err
}

// Package replay records every inbound peer message to an append-only
// log so a sync session can be replayed deterministically against the
// manager, engine or a debugger, without the network.
package replay

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stela-net/stela/p2p"
	"github.com/stela-net/stela/types"
)

// maxRecordSize bounds a single log record. It is comfortably above the
// largest frame a peer session accepts.
const maxRecordSize = 16 << 20

// Record is one logged inbound message.
type Record struct {
	Seq    uint64    `cbor:"1,keyasint"`
	Time   time.Time `cbor:"2,keyasint"`
	PeerID p2p.ID    `cbor:"3,keyasint"`
	Msg    []byte    `cbor:"4,keyasint"` // tag-prefixed message encoding
}

// Envelope decodes the record back into the envelope the manager saw.
func (r *Record) Envelope() (p2p.Envelope, error) {
	msg, err := p2p.DecodeMessage(r.Msg)
	if err != nil {
		return p2p.Envelope{}, fmt.Errorf("record %d: %w", r.Seq, err)
	}
	return p2p.Envelope{From: r.PeerID, Msg: msg}, nil
}

// Writer appends inbound envelopes to a session log file. It satisfies
// the manager's observer hook; Observe never blocks on the network and
// never fails the caller, a write error only disables further logging.
type Writer struct {
	mtx    sync.Mutex
	f      *os.File
	w      *bufio.Writer
	seq    uint64
	broken bool

	path string
}

// NewWriter opens a fresh session log in dir. Each session gets its own
// file, named by a random session id.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating replay dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("replay-%s.log", uuid.NewString()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating replay log: %w", err)
	}
	return &Writer{
		f:    f,
		w:    bufio.NewWriter(f),
		path: path,
	}, nil
}

// Path returns the log file location.
func (w *Writer) Path() string { return w.path }

// Observe appends one envelope to the log.
func (w *Writer) Observe(env p2p.Envelope) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.broken {
		return
	}

	bz, err := p2p.EncodeMessage(env.Msg)
	if err != nil {
		w.broken = true
		return
	}
	w.seq++
	rec := Record{
		Seq:    w.seq,
		Time:   time.Now().UTC(),
		PeerID: env.From,
		Msg:    bz,
	}
	if err := w.append(rec); err != nil {
		w.broken = true
	}
}

func (w *Writer) append(rec Record) error {
	bz, err := types.MarshalCBOR(rec)
	if err != nil {
		return err
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(bz)))
	if _, err := w.w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.w.Write(bz)
	return err
}

// Close flushes and closes the log.
func (w *Writer) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// Reader iterates a session log in recording order.
type Reader struct {
	f *os.File
	r *bufio.Reader
}

// NewReader opens a session log for replay.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening replay log: %w", err)
	}
	return &Reader{f: f, r: bufio.NewReader(f)}, nil
}

// Next returns the next record, or io.EOF after the last one. A log
// truncated mid-record (crash during append) also ends with io.EOF; the
// records before the truncation point are still replayed.
func (r *Reader) Next() (*Record, error) {
	var length [4]byte
	if _, err := io.ReadFull(r.r, length[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(length[:])
	if size > maxRecordSize {
		return nil, fmt.Errorf("replay record of %d bytes exceeds limit", size)
	}

	bz := make([]byte, size)
	if _, err := io.ReadFull(r.r, bz); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	rec := new(Record)
	if err := types.UnmarshalCBOR(bz, rec); err != nil {
		return nil, fmt.Errorf("decoding replay record: %w", err)
	}
	return rec, nil
}

// Close closes the log.
func (r *Reader) Close() error { return r.f.Close() }

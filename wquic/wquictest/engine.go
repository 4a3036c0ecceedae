package wquictest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gordian-engine/wyvern/wquic"
)

// Timing constants. The probe timeout is fixed rather than RTT
// estimated; loopback paths have no meaningful RTT spread.
const (
	pto = 200 * time.Millisecond

	defaultIdleTimeout = 30 * time.Second
)

// Engine is the loopback implementation of [wquic.Engine].
type Engine struct {
	log *slog.Logger
}

var _ wquic.Engine = (*Engine)(nil)

// NewEngine returns an Engine logging through log.
func NewEngine(log *slog.Logger) *Engine {
	return &Engine{log: log}
}

// ParseHeader implements [wquic.Engine].
func (e *Engine) ParseHeader(pkt []byte) (wquic.Header, error) {
	hdr, _, err := parseHeader(pkt)
	return hdr, err
}

// SupportedVersions implements [wquic.Engine].
func (e *Engine) SupportedVersions() []uint32 {
	return []uint32{Version}
}

// WriteVersionNegotiation implements [wquic.Engine].
func (e *Engine) WriteVersionNegotiation(
	buf []byte, dcid, scid []byte, versions []uint32,
) (int, error) {
	need := 1 + 4 + 2 + len(dcid) + len(scid) + 4*len(versions)
	if len(buf) < need {
		return 0, fmt.Errorf("buffer of %d bytes too small for %d", len(buf), need)
	}

	b := buf[:0]
	b = append(b, hdrFormLong)
	b = binary.BigEndian.AppendUint32(b, 0)
	b = appendCID(b, dcid)
	b = appendCID(b, scid)
	for _, v := range versions {
		b = binary.BigEndian.AppendUint32(b, v)
	}
	return len(b), nil
}

func (e *Engine) validateConfig(cfg wquic.ConnConfig) error {
	var errs error
	if len(cfg.ALPNs) == 0 {
		errs = errors.Join(errs, errors.New("at least one ALPN is required"))
	}
	if !cfg.Creds.IsSet() {
		errs = errors.Join(errs, errors.New("credentials are required"))
	}
	if cfg.SCID.IsZero() || cfg.DCID.IsZero() {
		errs = errors.Join(errs, errors.New("both connection ids are required"))
	}
	return errs
}

// NewClientConn implements [wquic.Engine].
// The client's HELLO is queued immediately and goes out on the first
// flush.
func (e *Engine) NewClientConn(cfg wquic.ConnConfig) (wquic.Conn, error) {
	if err := e.validateConfig(cfg); err != nil {
		return nil, err
	}

	c := newConn(e, cfg, true)
	c.helloPending = true
	return c, nil
}

// NewServerConn implements [wquic.Engine].
func (e *Engine) NewServerConn(cfg wquic.ConnConfig) (wquic.Conn, error) {
	if err := e.validateConfig(cfg); err != nil {
		return nil, err
	}
	return newConn(e, cfg, false), nil
}

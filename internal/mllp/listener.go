// Package mllp implements the Minimal Lower Layer Protocol listener that
// hospital interface engines use to deliver HL7 v2 messages over TCP.
//
// Each frame is <VT>payload<FS><CR>: a 0x0B start byte, the message bytes,
// then 0x1C 0x0D. Every received message is answered with an HL7 ACK in
// the same framing.
package mllp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carewire/go-siu/internal/hl7/siu"
)

// MLLP frame characters
const (
	startBlock     = 0x0B
	endBlock       = 0x1C
	carriageReturn = 0x0D
)

var errFrameTooLarge = errors.New("mllp frame exceeds maximum message size")

// Handler processes one unwrapped message. A nil return acknowledges the
// message with AA; a parse taxonomy error acknowledges AE with its fixed
// reason text; any other error acknowledges AE with a generic text.
type Handler func(ctx context.Context, payload []byte) error

// Config holds listener configuration
type Config struct {
	// ListenAddr is the TCP address to bind (IANA assigns 2575 to HL7)
	ListenAddr string
	// ReadTimeout bounds the wait for the next frame on an idle connection
	ReadTimeout time.Duration
	// MaxMessageBytes caps a single frame's payload
	MaxMessageBytes int
	// ApplicationName is reported as MSH-3 in outgoing ACKs
	ApplicationName string
	// FacilityName is reported as MSH-4 in outgoing ACKs
	FacilityName string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":2575",
		ReadTimeout:     30 * time.Second,
		MaxMessageBytes: 1 << 20,
		ApplicationName: "CAREWIRE",
		FacilityName:    "INGEST",
	}
}

// Listener accepts MLLP connections and feeds messages to a handler
type Listener struct {
	config  Config
	handler Handler
	logger  *zap.Logger
	tracer  trace.Tracer

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	// Stats
	activeConns int64
	accepted    int64
	rejected    int64
}

// New creates a listener. The handler is required.
func New(cfg Config, handler Handler, logger *zap.Logger) (*Listener, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultConfig().MaxMessageBytes
	}
	if cfg.ApplicationName == "" {
		cfg.ApplicationName = DefaultConfig().ApplicationName
	}
	if cfg.FacilityName == "" {
		cfg.FacilityName = DefaultConfig().FacilityName
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Listener{
		config:  cfg,
		handler: handler,
		logger:  logger,
		tracer:  otel.Tracer("mllp-listener"),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Start binds the listen address and begins accepting connections
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.config.ListenAddr, err)
	}
	l.ln = ln

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("mllp listener started",
		zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Start
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Stop closes the listener and all open connections, then waits for the
// connection goroutines to finish
func (l *Listener) Stop() error {
	l.cancel()
	if l.ln != nil {
		l.ln.Close()
	}

	l.mu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	l.logger.Info("mllp listener stopped")
	return nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()

		l.wg.Add(1)
		go l.serveConn(conn)
	}
}

func (l *Listener) serveConn(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
	}()

	atomic.AddInt64(&l.activeConns, 1)
	defer atomic.AddInt64(&l.activeConns, -1)

	remote := conn.RemoteAddr().String()
	l.logger.Debug("connection opened", zap.String("remote", remote))

	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		if l.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(l.config.ReadTimeout))
		}

		payload, err := readFrame(reader, l.config.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				l.logger.Debug("connection closed", zap.String("remote", remote))
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				l.logger.Debug("connection idle, closing", zap.String("remote", remote))
				return
			}
			l.logger.Warn("bad frame, closing connection",
				zap.String("remote", remote),
				zap.Error(err))
			return
		}

		l.handleMessage(conn, payload)
	}
}

func (l *Listener) handleMessage(conn net.Conn, payload []byte) {
	ctx, span := l.tracer.Start(l.ctx, "mllp_message",
		trace.WithAttributes(attribute.Int("payload_bytes", len(payload))))
	defer span.End()

	hdr, ok := siu.ReadHeader(string(payload))
	if !ok {
		atomic.AddInt64(&l.rejected, 1)
		span.SetAttributes(attribute.String("ack", string(siu.AckReject)))
		l.logger.Warn("message has no readable MSH, rejecting")
		l.respond(conn, siu.Header{}, siu.AckReject, "message has no MSH header segment")
		return
	}
	span.SetAttributes(attribute.String("control_id", hdr.ControlID))

	if err := l.handler(ctx, payload); err != nil {
		atomic.AddInt64(&l.rejected, 1)
		span.RecordError(err)
		span.SetAttributes(attribute.String("ack", string(siu.AckError)))

		text := "message processing failed"
		var perr *siu.ParseError
		if errors.As(err, &perr) {
			text = perr.Error()
		}
		l.logger.Warn("message not accepted",
			zap.String("control_id", hdr.ControlID),
			zap.Error(err))
		l.respond(conn, hdr, siu.AckError, text)
		return
	}

	atomic.AddInt64(&l.accepted, 1)
	span.SetAttributes(attribute.String("ack", string(siu.AckAccept)))
	l.respond(conn, hdr, siu.AckAccept, "")
	l.logger.Debug("message acknowledged",
		zap.String("control_id", hdr.ControlID))
}

func (l *Listener) respond(conn net.Conn, hdr siu.Header, code siu.AckCode, text string) {
	ack := siu.BuildAck(hdr, l.config.ApplicationName, l.config.FacilityName, code, text)
	if l.config.ReadTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(l.config.ReadTimeout))
	}
	if _, err := conn.Write(WrapFrame([]byte(ack))); err != nil {
		l.logger.Warn("ack write failed", zap.Error(err))
	}
}

// Stats holds listener counters
type Stats struct {
	ActiveConnections int64
	Accepted          int64
	Rejected          int64
}

// GetStats returns current counters
func (l *Listener) GetStats() Stats {
	return Stats{
		ActiveConnections: atomic.LoadInt64(&l.activeConns),
		Accepted:          atomic.LoadInt64(&l.accepted),
		Rejected:          atomic.LoadInt64(&l.rejected),
	}
}

// readFrame reads one MLLP frame and returns the unwrapped payload. Stray
// bytes before the start block are discarded.
func readFrame(r *bufio.Reader, max int) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == startBlock {
			break
		}
	}

	payload := make([]byte, 0, 1024)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("frame truncated: %w", err)
		}
		if b == endBlock {
			break
		}
		payload = append(payload, b)
		if len(payload) > max {
			return nil, errFrameTooLarge
		}
	}

	b, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("frame truncated: %w", err)
	}
	if b != carriageReturn {
		return nil, errors.New("frame missing trailing CR")
	}

	return payload, nil
}

// WrapFrame adds MLLP framing around a message
func WrapFrame(message []byte) []byte {
	if len(message) > 0 && message[0] == startBlock {
		return message
	}
	framed := make([]byte, 0, len(message)+3)
	framed = append(framed, startBlock)
	framed = append(framed, message...)
	return append(framed, endBlock, carriageReturn)
}

// UnwrapFrame strips MLLP framing if present
func UnwrapFrame(frame []byte) []byte {
	if len(frame) > 0 && frame[0] == startBlock {
		frame = frame[1:]
	}
	if n := len(frame); n >= 2 && frame[n-2] == endBlock && frame[n-1] == carriageReturn {
		frame = frame[:n-2]
	}
	return frame
}

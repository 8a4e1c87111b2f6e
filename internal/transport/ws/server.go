// Package ws serves planning sessions over websocket. Each connection is one
// session with its own planner, sequence numbers and rate limiter.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dynstack.ai/internal/metrics"
	"dynstack.ai/internal/persistence/snapshot"
	"dynstack.ai/internal/planner"
	"dynstack.ai/internal/protocol"
	"dynstack.ai/internal/sim/tuning"
)

const (
	handshakeTimeout = 5 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
	outQueue         = 16

	// maxRecorded caps the snapshots kept per session for recording.
	maxRecorded = 20_000
)

type Server struct {
	store     *tuning.Store
	log       *zap.Logger
	sinks     []planner.Sink
	recordDir string
	recIndex  RecordingIndex

	upgrader websocket.Upgrader
	active   atomic.Int64
	wg       sync.WaitGroup
}

type Option func(*Server)

// WithSink adds a sink to every session planner.
func WithSink(s planner.Sink) Option {
	return func(srv *Server) { srv.sinks = append(srv.sinks, s) }
}

// RecordingIndex is told about every recording written.
type RecordingIndex interface {
	RecordRecording(path string, h snapshot.Header)
}

// WithRecorder saves each session's WORLD snapshots to dir when the session
// ends. idx may be nil.
func WithRecorder(dir string, idx RecordingIndex) Option {
	return func(srv *Server) {
		srv.recordDir = dir
		srv.recIndex = idx
	}
}

func NewServer(store *tuning.Store, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store: store,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sessions is the number of connections currently being served.
func (s *Server) Sessions() int { return int(s.active.Load()) }

// Wait blocks until every session handler has returned.
func (s *Server) Wait() { s.wg.Wait() }

type session struct {
	id      string
	client  string
	planner *planner.Planner
	limiter *rate.Limiter
	log     *zap.Logger
	out     chan []byte

	record   bool
	recorded []protocol.World
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		s.active.Add(1)
		metrics.SessionOpened()
		defer func() {
			s.active.Add(-1)
			metrics.SessionClosed()
		}()
		sess.log.Info("session opened", zap.String("strategy", sess.planner.Strategy()))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop. Snapshots are planned in arrival order.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			sess.handle(ctx, msg)
			if ctx.Err() != nil {
				break
			}
		}
		cancel()
		<-writerDone
		s.saveRecording(sess)
		sess.log.Info("session closed")
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.reject(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		s.reject(conn, protocol.ErrProtoBadRequest, err.Error())
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		s.reject(conn, protocol.ErrProtoVersion, "bad protocol_version")
		return nil
	}
	switch hello.Strategy {
	case "", tuning.StrategyGenetic, tuning.StrategyBeam, tuning.StrategyRule:
	default:
		s.reject(conn, protocol.ErrUnknownStrategy, "unknown strategy "+hello.Strategy)
		return nil
	}
	if err := protocol.ValidateHello(msg); err != nil {
		s.reject(conn, protocol.ErrProtoBadRequest, err.Error())
		return nil
	}

	id := uuid.NewString()
	log := s.log.With(zap.String("session", id), zap.String("client", hello.ClientName))
	opts := []planner.Option{planner.WithSession(id), planner.WithStrategy(hello.Strategy)}
	for _, sink := range s.sinks {
		opts = append(opts, planner.WithSink(sink))
	}
	p, err := planner.New(s.store, log, opts...)
	if err != nil {
		s.reject(conn, protocol.ErrInternal, err.Error())
		return nil
	}

	t := s.store.Get()
	welcome := protocol.WelcomeMsg{
		Type:             protocol.TypeWelcome,
		ProtocolVersion:  protocol.Version,
		SessionID:        id,
		Strategy:         p.Strategy(),
		MovesPerSchedule: t.Planner.MovesPerSchedule,
		TuningDigest:     t.Digest(),
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	return &session{
		id:      id,
		client:  hello.ClientName,
		planner: p,
		limiter: rate.NewLimiter(rate.Limit(t.RateLimits.WorldPerSecond), t.RateLimits.WorldBurst),
		log:     log,
		out:     make(chan []byte, outQueue),
		record:  s.recordDir != "",
	}
}

func (s *session) handle(ctx context.Context, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.sendError(ctx, protocol.ErrProtoBadRequest, "invalid json")
		return
	}
	if base.Type != protocol.TypeWorld {
		s.sendError(ctx, protocol.ErrBadRequest, "unexpected message type "+base.Type)
		return
	}
	if !s.limiter.Allow() {
		s.sendError(ctx, protocol.ErrRateLimit, "WORLD rate limit exceeded")
		return
	}
	if base.ProtocolVersion != protocol.Version {
		s.sendError(ctx, protocol.ErrProtoVersion, "bad protocol_version")
		return
	}
	if err := protocol.ValidateWorld(msg); err != nil {
		s.sendError(ctx, protocol.ErrProtoBadRequest, err.Error())
		return
	}
	var wm protocol.WorldMsg
	if err := json.Unmarshal(msg, &wm); err != nil {
		s.sendError(ctx, protocol.ErrProtoBadRequest, err.Error())
		return
	}

	if s.record && len(s.recorded) < maxRecorded {
		s.recorded = append(s.recorded, wm.World)
	}

	d, err := s.planner.Plan(ctx, wm.World)
	reply := protocol.ScheduleMsg{
		Type:            protocol.TypeSchedule,
		ProtocolVersion: protocol.Version,
		Strategy:        d.Record.Strategy,
		ElapsedMs:       d.Record.ElapsedMs,
	}
	switch {
	case errors.Is(err, planner.ErrMalformedSnapshot):
		reply.Code = protocol.ErrMalformedSnapshot
	case errors.Is(err, planner.ErrSchedulePending):
		reply.Code = protocol.ErrSchedulePending
	case err != nil:
		s.log.Error("plan failed", zap.Error(err))
		s.sendError(ctx, protocol.ErrInternal, "planning failed")
		return
	case d.Schedule == nil:
		reply.Code = protocol.ErrNoPlan
	default:
		reply.Schedule = d.Schedule
		reply.Fitness = d.Record.Score
	}
	s.send(ctx, reply)
}

func (s *Server) saveRecording(sess *session) {
	if !sess.record || len(sess.recorded) == 0 {
		return
	}
	rec := snapshot.NewRecording(sess.id, sess.client, sess.recorded)
	path := filepath.Join(s.recordDir, sess.id+snapshot.Ext)
	if err := snapshot.Write(path, rec); err != nil {
		sess.log.Warn("recording write failed", zap.Error(err))
		return
	}
	if s.recIndex != nil {
		s.recIndex.RecordRecording(path, rec.Header)
	}
	sess.log.Info("recording saved", zap.String("path", path), zap.Int("snapshots", rec.Header.Count))
}

func (s *session) sendError(ctx context.Context, code, message string) {
	metrics.RecordProtocolError(code)
	s.log.Debug("protocol error", zap.String("code", code), zap.String("message", message))
	s.send(ctx, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
}

func (s *session) send(ctx context.Context, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshal reply", zap.Error(err))
		return
	}
	select {
	case s.out <- b:
	case <-ctx.Done():
	}
}

// reject answers a failed handshake with ERROR and closes the connection.
func (s *Server) reject(conn *websocket.Conn, code, message string) {
	metrics.RecordProtocolError(code)
	s.log.Debug("handshake rejected", zap.String("code", code), zap.String("message", message))
	_ = writeJSON(conn, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

package ws_test

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"dynstack.ai/internal/persistence/snapshot"
	"dynstack.ai/internal/planner"
	"dynstack.ai/internal/protocol"
	"dynstack.ai/internal/sim/tuning"
	"dynstack.ai/internal/sim/worldtest"
	"dynstack.ai/internal/transport/ws"
)

type sink struct {
	mu   sync.Mutex
	recs []planner.Record
}

func (s *sink) RecordPlan(r planner.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, r)
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type harness struct {
	t    *testing.T
	srv  *ws.Server
	http *httptest.Server
	sink *sink
}

func start(t *testing.T, tu tuning.Tuning) *harness {
	t.Helper()
	h := &harness{t: t, sink: &sink{}}
	h.srv = ws.NewServer(tuning.NewStore(tu), zap.NewNop(), ws.WithSink(h.sink))
	h.http = httptest.NewServer(h.srv.Handler())
	return h
}

func (h *harness) stop() {
	h.http.Close()
	h.srv.Wait()
}

func (h *harness) dial() *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func recv[T any](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	var v T
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func hello(strategy string) protocol.HelloMsg {
	return protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      "test",
		Strategy:        strategy,
	}
}

func worldMsg(w protocol.World) protocol.WorldMsg {
	return protocol.WorldMsg{Type: protocol.TypeWorld, ProtocolVersion: protocol.Version, World: w}
}

func TestSession_PlansSnapshots(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := start(t, tuning.Defaults())
	defer h.stop()

	conn := h.dial()
	defer conn.Close()

	send(t, conn, hello(tuning.StrategyRule))
	welcome := recv[protocol.WelcomeMsg](t, conn)
	require.Equal(t, protocol.TypeWelcome, welcome.Type)
	require.NotEmpty(t, welcome.SessionID)
	require.Equal(t, tuning.StrategyRule, welcome.Strategy)
	require.Equal(t, tuning.Defaults().Digest(), welcome.TuningDigest)

	b := worldtest.New(t).Production(4, worldtest.N(1)).Buffer(3, worldtest.R(2))
	send(t, conn, worldMsg(b.World()))
	sched := recv[protocol.ScheduleMsg](t, conn)
	require.Equal(t, protocol.TypeSchedule, sched.Type)
	require.Empty(t, sched.Code)
	require.NotNil(t, sched.Schedule)
	require.Equal(t, []protocol.CraneMove{{SourceID: 1, TargetID: b.HandoverID(), BlockID: 2}}, sched.Schedule.Moves)
	require.Equal(t, 1, sched.Schedule.SequenceNr)

	// pending schedule
	pending := b.Pending(protocol.CraneMove{SourceID: 1, TargetID: 2, BlockID: 2}).World()
	send(t, conn, worldMsg(pending))
	sched = recv[protocol.ScheduleMsg](t, conn)
	require.Nil(t, sched.Schedule)
	require.Equal(t, protocol.ErrSchedulePending, sched.Code)

	// missing handover
	broken := worldtest.New(t).Buffer(2).World()
	broken.Handover = nil
	send(t, conn, worldMsg(broken))
	sched = recv[protocol.ScheduleMsg](t, conn)
	require.Equal(t, protocol.ErrMalformedSnapshot, sched.Code)

	// solved yard
	send(t, conn, worldMsg(worldtest.New(t).Buffer(2).World()))
	sched = recv[protocol.ScheduleMsg](t, conn)
	require.Equal(t, protocol.ErrNoPlan, sched.Code)

	require.Equal(t, 4, h.sink.len())
	require.Equal(t, 1, h.srv.Sessions())

	conn.Close()
	h.stop()
	require.Equal(t, 0, h.srv.Sessions())
}

func TestSession_ProtocolErrors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := start(t, tuning.Defaults())
	defer h.stop()

	conn := h.dial()
	defer conn.Close()
	send(t, conn, hello(""))
	welcome := recv[protocol.WelcomeMsg](t, conn)
	require.Equal(t, tuning.StrategyGenetic, welcome.Strategy)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	e := recv[protocol.ErrorMsg](t, conn)
	require.Equal(t, protocol.ErrProtoBadRequest, e.Code)

	send(t, conn, hello(""))
	e = recv[protocol.ErrorMsg](t, conn)
	require.Equal(t, protocol.ErrBadRequest, e.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"WORLD","protocol_version":"1.0","world":{"now_ms":-5}}`)))
	e = recv[protocol.ErrorMsg](t, conn)
	require.Equal(t, protocol.ErrProtoBadRequest, e.Code)

	msg := worldMsg(worldtest.New(t).Buffer(2).World())
	msg.ProtocolVersion = "0.1"
	send(t, conn, msg)
	e = recv[protocol.ErrorMsg](t, conn)
	require.Equal(t, protocol.ErrProtoVersion, e.Code)
}

func TestSession_RateLimit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	tu := tuning.Defaults()
	tu.RateLimits.WorldPerSecond = 0.001
	tu.RateLimits.WorldBurst = 1
	h := start(t, tu)
	defer h.stop()

	conn := h.dial()
	defer conn.Close()
	send(t, conn, hello(tuning.StrategyRule))
	recv[protocol.WelcomeMsg](t, conn)

	w := worldMsg(worldtest.New(t).Buffer(2).World())
	send(t, conn, w)
	require.Equal(t, protocol.TypeSchedule, recv[protocol.ScheduleMsg](t, conn).Type)
	send(t, conn, w)
	e := recv[protocol.ErrorMsg](t, conn)
	require.Equal(t, protocol.TypeError, e.Type)
	require.Equal(t, protocol.ErrRateLimit, e.Code)
}

func TestHandshake_Rejects(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := start(t, tuning.Defaults())
	defer h.stop()

	cases := []struct {
		name string
		msg  any
		code string
	}{
		{"not hello", worldMsg(worldtest.New(t).World()), protocol.ErrProtoBadRequest},
		{"version", protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "9", ClientName: "x"}, protocol.ErrProtoVersion},
		{"strategy", hello("anneal"), protocol.ErrUnknownStrategy},
		{"no client name", protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version}, protocol.ErrProtoBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := h.dial()
			defer conn.Close()
			send(t, conn, tc.msg)
			e := recv[protocol.ErrorMsg](t, conn)
			require.Equal(t, tc.code, e.Code)

			_, _, err := conn.ReadMessage()
			require.Error(t, err)
		})
	}
}

type recIndex struct {
	mu    sync.Mutex
	paths []string
}

func (r *recIndex) RecordRecording(path string, _ snapshot.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func TestSession_RecordsSnapshots(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	dir := t.TempDir()
	idx := &recIndex{}
	srv := ws.NewServer(tuning.NewStore(tuning.Defaults()), zap.NewNop(), ws.WithRecorder(dir, idx))
	hs := httptest.NewServer(srv.Handler())
	defer func() {
		hs.Close()
		srv.Wait()
	}()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	require.NoError(t, err)
	send(t, conn, hello(tuning.StrategyRule))
	welcome := recv[protocol.WelcomeMsg](t, conn)

	for _, now := range []int64{1000, 2000, 3000} {
		send(t, conn, worldMsg(worldtest.New(t).Now(now).Buffer(2).World()))
		recv[protocol.ScheduleMsg](t, conn)
	}
	conn.Close()
	hs.Close()
	srv.Wait()

	idx.mu.Lock()
	paths := append([]string(nil), idx.paths...)
	idx.mu.Unlock()
	want := filepath.Join(dir, welcome.SessionID+snapshot.Ext)
	require.Equal(t, []string{want}, paths)

	rec, err := snapshot.Read(want)
	require.NoError(t, err)
	require.Equal(t, 3, rec.Header.Count)
	require.Equal(t, "test", rec.Header.Client)
	require.Equal(t, int64(3000), rec.Worlds[2].NowMs)
}

package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/coppermind/agentbridge/internal/gateway"
	"github.com/coppermind/agentbridge/internal/protocol"
)

const testToken = "gateway-test-token"

type fakeVerifier struct{}

func (fakeVerifier) VerifyToken(token string) (string, error) {
	if token == testToken {
		return "demo", nil
	}
	return "", errors.New("invalid token")
}

// fakeDispatcher records envelopes and answers session creates immediately.
type fakeDispatcher struct {
	mu          sync.Mutex
	envelopes   []*protocol.Envelope
	closedConns []string
}

func (d *fakeDispatcher) HandleEnvelope(w gateway.ConnWriter, env *protocol.Envelope) {
	d.mu.Lock()
	d.envelopes = append(d.envelopes, env)
	d.mu.Unlock()
	if env.Type == protocol.TypeSessionCreateRequest {
		w.SendEnvelope(protocol.MustEnvelope(protocol.TypeSessionCreateSuccess, protocol.SessionCreateSuccessPayload{
			SessionID:       "sess-1",
			AvailableModels: []string{"m1"},
			CurrentModel:    "m1",
			Modes: protocol.Modes{
				CurrentModeID:  "build",
				AvailableModes: []protocol.Mode{{ID: "build", Name: "Build"}},
			},
		}))
	}
}

func (d *fakeDispatcher) CloseConnection(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closedConns = append(d.closedConns, connID)
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeDispatcher, *gateway.Server) {
	t.Helper()
	disp := &fakeDispatcher{}
	srv := gateway.New(gateway.Config{
		Verifier:   fakeVerifier{},
		Dispatcher: disp,
		Version:    "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, disp, srv
}

func dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + ts.URL[len("http"):] + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "test done")
	})
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return &env
}

func readEnvelopeOfType(t *testing.T, conn *websocket.Conn, msgType string) *protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, conn)
		if env.Type == msgType {
			return env
		}
	}
	t.Fatalf("no %s envelope", msgType)
	return nil
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env any) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, wantCode websocket.StatusCode, wantReason string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected close, got frame")
	}
	if got := websocket.CloseStatus(err); got != wantCode {
		t.Fatalf("close code = %d, want %d (err: %v)", got, wantCode, err)
	}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && wantReason != "" && closeErr.Reason != wantReason {
		t.Fatalf("close reason = %q, want %q", closeErr.Reason, wantReason)
	}
}

func TestMissingTokenClosedWithPolicyViolation(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dial(t, ts, "")
	expectClose(t, conn, websocket.StatusPolicyViolation, "Authentication required")
}

func TestInvalidTokenClosedWithPolicyViolation(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dial(t, ts, "wrong-token")
	expectClose(t, conn, websocket.StatusPolicyViolation, "Invalid token")
}

func TestConnectionEstablished(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dial(t, ts, testToken)
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeConnectionEstablished {
		t.Fatalf("first envelope type = %s", env.Type)
	}
	if err := protocol.Validate(env.Type, env.Payload); err != nil {
		t.Fatalf("established payload invalid: %v", err)
	}
	var payload protocol.ConnectionEstablishedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ConnectionID == "" || payload.ProtocolVersion != gateway.ProtocolVersion {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestHeartbeat(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dial(t, ts, testToken)
	readEnvelope(t, conn) // connection:established

	writeEnvelope(t, conn, map[string]any{
		"id":        "hb-1",
		"type":      protocol.TypeHeartbeatRequest,
		"timestamp": time.Now().UnixMilli(),
	})
	env := readEnvelopeOfType(t, conn, protocol.TypeHeartbeatSuccess)
	var payload protocol.HeartbeatSuccessPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Latency < 0 || payload.ServerTime <= 0 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestMalformedJSONAnswersSystemErrorAndStaysOpen(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dial(t, ts, testToken)
	readEnvelope(t, conn)

	ctx := context.Background()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{oops`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeSystemError || env.Error == nil || env.Error.Code != protocol.CodeInvalidMessage {
		t.Fatalf("env = %+v", env)
	}

	// The connection survives: heartbeat still works.
	writeEnvelope(t, conn, map[string]any{
		"id": "hb-2", "type": protocol.TypeHeartbeatRequest, "timestamp": time.Now().UnixMilli(),
	})
	if env := readEnvelopeOfType(t, conn, protocol.TypeHeartbeatSuccess); env == nil {
		t.Fatal("heartbeat after error failed")
	}
}

func TestUnknownTypeAnswersUnknownType(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dial(t, ts, testToken)
	readEnvelope(t, conn)

	writeEnvelope(t, conn, map[string]any{
		"id": "x1", "type": "acp:teleport:request", "timestamp": time.Now().UnixMilli(),
	})
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeSystemError || env.Error == nil || env.Error.Code != protocol.CodeUnknownType {
		t.Fatalf("env = %+v", env)
	}
}

func TestSchemaFailureAnswersErrorSibling(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dial(t, ts, testToken)
	readEnvelope(t, conn)

	// prompt:send with a missing content field fails schema validation.
	writeEnvelope(t, conn, map[string]any{
		"id": "r1", "type": protocol.TypePromptSendRequest, "timestamp": time.Now().UnixMilli(),
		"payload": map[string]any{"sessionId": "s1"},
	})
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypePromptSendError || env.Error == nil || env.Error.Code != protocol.CodeInvalidParams {
		t.Fatalf("env = %+v", env)
	}
}

func TestValidEnvelopeReachesDispatcher(t *testing.T) {
	ts, disp, _ := newTestServer(t)
	conn := dial(t, ts, testToken)
	readEnvelope(t, conn)

	writeEnvelope(t, conn, map[string]any{
		"id": "c1", "type": protocol.TypeSessionCreateRequest, "timestamp": time.Now().UnixMilli(),
		"payload": map[string]any{"model": "m1"},
	})
	env := readEnvelopeOfType(t, conn, protocol.TypeSessionCreateSuccess)
	if env == nil {
		t.Fatal("no create success")
	}
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.envelopes) != 1 || disp.envelopes[0].Type != protocol.TypeSessionCreateRequest {
		t.Fatalf("dispatcher saw %+v", disp.envelopes)
	}
}

func TestCloseTearsDownConnection(t *testing.T) {
	ts, disp, srv := newTestServer(t)
	conn := dial(t, ts, testToken)
	readEnvelope(t, conn)

	if srv.ConnectionCount() != 1 {
		t.Fatalf("connection count = %d", srv.ConnectionCount())
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		disp.mu.Lock()
		closed := len(disp.closedConns)
		disp.mu.Unlock()
		if closed == 1 && srv.ConnectionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("connection teardown not observed")
}

func TestHealthEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
		Version   string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "ok" || out.Timestamp <= 0 || out.Version != "test" {
		t.Fatalf("out = %+v", out)
	}
}

func TestMetricsRequiresAuth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /metrics with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/candra/internal/audio"
	"github.com/satriahrh/candra/internal/auth"
)

func startServer(t *testing.T) (*httptest.Server, *auth.Issuer) {
	t.Helper()
	issuer := auth.NewIssuer("test-secret")
	e := echo.New()
	InitRoutes(e, issuer, NewScriptedReplier(), StubRecognizer{}, zap.NewNop())
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, issuer
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

// readUntil skips messages until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 50; i++ {
		msg := readMessage(t, conn)
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("never received %s", msgType)
	return nil
}

func connectSession(t *testing.T, conn *websocket.Conn, issuer *auth.Issuer, character string) {
	t.Helper()
	token, err := issuer.IssueToken("tester")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if err := conn.WriteJSON(map[string]interface{}{
		"type": "connect", "token": token, "character": character,
	}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "connected" {
		t.Fatalf("expected connected, got %v", msg["type"])
	}
}

func TestTextTurnStreamsFullSequence(t *testing.T) {
	srv, issuer := startServer(t)
	conn := dialWS(t, srv)
	connectSession(t, conn, issuer, "hana")

	if err := conn.WriteJSON(map[string]interface{}{"type": "text", "content": "hi"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var types []string
	sawChunk := false
	for {
		msg := readMessage(t, conn)
		mt := msg["type"].(string)
		types = append(types, mt)
		if mt == "audio_chunk" {
			sawChunk = true
			if _, err := audio.DecodeChunk(msg["audio_data"].(string)); err != nil {
				t.Errorf("audio chunk not decodable: %v", err)
			}
			if msg["sample_rate"].(float64) != synthesisRate {
				t.Errorf("unexpected sample rate %v", msg["sample_rate"])
			}
		}
		if mt == "reply" && msg["content"] == "" {
			t.Error("reply must carry content")
		}
		if mt == "turn_end" {
			break
		}
	}

	if !sawChunk {
		t.Error("expected at least one audio chunk")
	}
	sequence := strings.Join(types, ",")
	for _, required := range []string{"thinking", "reply", "synthesis_start", "audio_end"} {
		if !strings.Contains(sequence, required) {
			t.Errorf("turn sequence missing %s: %s", required, sequence)
		}
	}
	if strings.Index(sequence, "audio_end") > strings.Index(sequence, "turn_end") {
		t.Errorf("audio_end must precede turn_end: %s", sequence)
	}
}

func TestAudioTurnEmitsTranscript(t *testing.T) {
	srv, issuer := startServer(t)
	conn := dialWS(t, srv)
	connectSession(t, conn, issuer, "hana")

	pcm := audio.EncodeChunk(make([]int16, 1600))
	if err := conn.WriteJSON(map[string]interface{}{
		"type": "audio", "audio_data": pcm, "sample_rate": 16000,
	}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	transcript := readUntil(t, conn, "transcript")
	if transcript["final"] != true {
		t.Error("expected a final transcript")
	}
	if transcript["text"] == "" {
		t.Error("expected transcript text")
	}
	readUntil(t, conn, "turn_end")
}

func TestRejectsInvalidToken(t *testing.T) {
	srv, _ := startServer(t)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(map[string]interface{}{
		"type": "connect", "token": "bogus",
	}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "error" || msg["error_code"] != "invalid_token" {
		t.Errorf("expected invalid_token error, got %v", msg)
	}
}

func TestRejectsUnauthenticatedMessages(t *testing.T) {
	srv, _ := startServer(t)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(map[string]interface{}{"type": "text", "content": "hi"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "error" || msg["error_code"] != "not_authenticated" {
		t.Errorf("expected not_authenticated error, got %v", msg)
	}
}

func TestSwitchCharacter(t *testing.T) {
	srv, issuer := startServer(t)
	conn := dialWS(t, srv)
	connectSession(t, conn, issuer, "hana")

	if err := conn.WriteJSON(map[string]interface{}{"type": "switch_character", "character": "ren"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "character_switched" || msg["character"] != "ren" {
		t.Errorf("expected character_switched to ren, got %v", msg)
	}

	// Unknown characters are rejected.
	if err := conn.WriteJSON(map[string]interface{}{"type": "switch_character", "character": "nobody"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg = readMessage(t, conn)
	if msg["type"] != "error" || msg["error_code"] != "unknown_character" {
		t.Errorf("expected unknown_character error, got %v", msg)
	}
}

func TestPingPong(t *testing.T) {
	srv, issuer := startServer(t)
	conn := dialWS(t, srv)
	connectSession(t, conn, issuer, "")

	if err := conn.WriteJSON(map[string]interface{}{"type": "ping"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "pong" {
		t.Errorf("expected pong, got %v", msg["type"])
	}
}

func TestAuthEndpointIssuesValidToken(t *testing.T) {
	srv, issuer := startServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/auth", "application/json",
		strings.NewReader(`{"user_id":"alice"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	claims, err := issuer.ValidateToken(body.Token)
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if claims.UserID != "alice" {
		t.Errorf("expected user alice, got %q", claims.UserID)
	}
}

func TestCharactersEndpoint(t *testing.T) {
	srv, _ := startServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/characters")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Characters []struct {
			Name string `json:"name"`
		} `json:"characters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(body.Characters) != len(Catalog) {
		t.Errorf("expected %d characters, got %d", len(Catalog), len(body.Characters))
	}
}

func TestSynthesizeChunking(t *testing.T) {
	chunks := synthesize("a reasonably long reply with several words in it")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		samples, err := audio.DecodeChunk(c)
		if err != nil {
			t.Fatalf("chunk not decodable: %v", err)
		}
		total += len(samples)
	}
	if total < synthesisRate/2 {
		t.Errorf("expected at least 500ms of audio, got %d samples", total)
	}
}

func TestScriptedReplierCycles(t *testing.T) {
	r := NewScriptedReplier()
	seen := map[string]bool{}
	for i := 0; i < len(script); i++ {
		content, emotion, err := r.Reply(context.Background(), "hana", "hello")
		if err != nil {
			t.Fatalf("reply failed: %v", err)
		}
		if content == "" || emotion == "" {
			t.Error("reply must carry content and emotion")
		}
		seen[content] = true
	}
	if len(seen) != len(script) {
		t.Errorf("expected %d distinct replies, got %d", len(script), len(seen))
	}
}

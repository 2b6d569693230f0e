package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lantalk/lantalk-node/pkg/node"
)

func newTestServer(t *testing.T) (*Server, *node.Node) {
	t.Helper()
	cfg := node.DefaultConfig()
	cfg.Username = "tester"
	cfg.Hostname = "test-host"
	cfg.DownloadDir = t.TempDir()

	n, err := node.New(cfg, nil, nil)
	assert.NoError(t, err)

	return NewServer(n, DefaultConfig()), n
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &body)
	assert.NoError(t, err)
	assert.Equal(t, "healthy", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	server, n := newTestServer(t)
	n.Directory().Upsert("192.168.1.20", 2425, "alice", "alice-pc")

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err)
	assert.Equal(t, 1, resp.PeerCount)
	assert.Equal(t, 1, resp.OnlineCount)
	assert.False(t, resp.Persistence)
}

func TestPeersEndpoint(t *testing.T) {
	server, n := newTestServer(t)
	n.Directory().Upsert("192.168.1.20", 2425, "alice", "alice-pc")
	n.Directory().Upsert("192.168.1.21", 2425, "bob", "bob-pc")

	req := httptest.NewRequest("GET", "/api/v1/peers", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Peers []PeerResponse `json:"peers"`
		Count int            `json:"count"`
	}
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err)
	assert.Equal(t, 2, resp.Count)
	for _, p := range resp.Peers {
		assert.True(t, p.Online)
	}
}

func TestSetNickname(t *testing.T) {
	server, n := newTestServer(t)
	n.Directory().Upsert("192.168.1.20", 2425, "alice", "alice-pc")

	body, _ := json.Marshal(NicknameRequest{Nickname: "Project Lead"})
	req := httptest.NewRequest("PUT", "/api/v1/peers/192.168.1.20/nickname", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	peer, ok := n.Directory().FindByIP("192.168.1.20")
	assert.True(t, ok)
	assert.Equal(t, "Project Lead", peer.Nickname)
}

func TestSetNicknameUnknownPeer(t *testing.T) {
	server, _ := newTestServer(t)

	body, _ := json.Marshal(NicknameRequest{Nickname: "nobody"})
	req := httptest.NewRequest("PUT", "/api/v1/peers/10.0.0.99/nickname", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRemovePeerValidation(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest("DELETE", "/api/v1/peers/not-an-ip", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err)
	assert.Equal(t, "invalid_ip", resp.Error)
}

func TestSendMessageValidation(t *testing.T) {
	server, _ := newTestServer(t)

	// Missing required text field.
	body := []byte(`{"ip":"192.168.1.20"}`)
	req := httptest.NewRequest("POST", "/api/v1/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessageUnknownPeer(t *testing.T) {
	server, _ := newTestServer(t)

	body, _ := json.Marshal(SendMessageRequest{IP: "10.0.0.50", Text: "hello"})
	req := httptest.NewRequest("POST", "/api/v1/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestTransfersEmpty(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/transfers", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Transfers []TaskResponse `json:"transfers"`
		Count     int            `json:"count"`
	}
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err)
	assert.Equal(t, 0, resp.Count)
}

func TestOfferDecisionUnknownOffer(t *testing.T) {
	server, _ := newTestServer(t)

	body, _ := json.Marshal(DecisionRequest{Accept: true})
	req := httptest.NewRequest("POST", "/api/v1/offers/no-such-offer/decision", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/api/v1/status", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, 204, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

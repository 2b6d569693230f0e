package api

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lantalk/lantalk-node/pkg/presence"
	"github.com/lantalk/lantalk-node/pkg/transfer"
)

// ErrorResponse is the uniform error payload
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// StatusResponse reports node-level counters
type StatusResponse struct {
	Port        int    `json:"port"`
	PeerCount   int    `json:"peer_count"`
	OnlineCount int    `json:"online_count"`
	TaskCount   int    `json:"task_count"`
	OfferCount  int    `json:"offer_count"`
	OutboxCount int    `json:"outbox_count"`
	Persistence bool   `json:"persistence"`
	ServerTime  string `json:"server_time"`
}

// PeerResponse is one peer-table entry
type PeerResponse struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Hostname string `json:"hostname"`
	Nickname string `json:"nickname,omitempty"`
	Online   bool   `json:"online"`
	LastSeen string `json:"last_seen"`
}

// TaskResponse is one transfer-task entry
type TaskResponse struct {
	ID          string `json:"id"`
	Direction   string `json:"direction"`
	PeerIP      string `json:"peer_ip"`
	FileName    string `json:"file_name"`
	FileSize    uint64 `json:"file_size"`
	Status      string `json:"status"`
	Transferred uint64 `json:"transferred"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// OfferResponse is one unanswered incoming offer
type OfferResponse struct {
	ID         string `json:"id"`
	SenderIP   string `json:"sender_ip"`
	SenderName string `json:"sender_name"`
	FileName   string `json:"file_name"`
	FileSize   uint64 `json:"file_size"`
	Hash       string `json:"hash"`
	CreatedAt  string `json:"created_at"`
}

// MessageResponse is one stored conversation entry
type MessageResponse struct {
	ID        int64  `json:"id"`
	PeerIP    string `json:"peer_ip"`
	PacketID  uint64 `json:"packet_id"`
	Content   string `json:"content"`
	Outgoing  bool   `json:"outgoing"`
	Acked     bool   `json:"acked"`
	CreatedAt string `json:"created_at"`
}

// SendMessageRequest is the POST /messages body
type SendMessageRequest struct {
	IP      string `json:"ip" binding:"required"`
	Text    string `json:"text" binding:"required"`
	WantAck bool   `json:"want_ack"`
}

// OfferFileRequest is the POST /transfers body
type OfferFileRequest struct {
	IP   string `json:"ip" binding:"required"`
	Path string `json:"path" binding:"required"`
}

// DecisionRequest is the POST /offers/:id/decision body
type DecisionRequest struct {
	Accept bool `json:"accept"`
	Port   int  `json:"port"`
}

// NicknameRequest is the PUT /peers/:ip/nickname body
type NicknameRequest struct {
	Nickname string `json:"nickname" binding:"required"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		Port:        s.node.Port(),
		PeerCount:   len(s.node.PeersSnapshot()),
		OnlineCount: len(s.node.OnlinePeers()),
		TaskCount:   len(s.node.TransferTasksSnapshot()),
		OfferCount:  len(s.node.OffersSnapshot()),
		Persistence: s.node.Store() != nil,
		ServerTime:  time.Now().Format(time.RFC3339),
	}
	if store := s.node.Store(); store != nil {
		if n, err := store.OutboxCount(); err == nil {
			resp.OutboxCount = n
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePeers(c *gin.Context) {
	peers := s.node.PeersSnapshot()
	resp := make([]PeerResponse, 0, len(peers))
	for _, p := range peers {
		resp = append(resp, s.peerResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"peers": resp, "count": len(resp)})
}

func (s *Server) handleOnlinePeers(c *gin.Context) {
	peers := s.node.OnlinePeers()
	resp := make([]PeerResponse, 0, len(peers))
	for _, p := range peers {
		resp = append(resp, s.peerResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"peers": resp, "count": len(resp)})
}

func (s *Server) handleRemovePeer(c *gin.Context) {
	ip := c.Param("ip")
	if net.ParseIP(ip) == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_ip",
			Message: "peer address must be a valid IP",
		})
		return
	}

	if !s.node.Directory().Remove(ip) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "peer_not_found"})
		return
	}
	if store := s.node.Store(); store != nil {
		if err := store.DeletePeer(ip); err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "storage_error",
				Message: err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"removed": ip})
}

func (s *Server) handleSetNickname(c *gin.Context) {
	ip := c.Param("ip")
	var req NicknameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	if !s.node.Directory().SetNickname(ip, req.Nickname) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "peer_not_found"})
		return
	}
	if store := s.node.Store(); store != nil {
		if err := store.SetNickname(ip, req.Nickname); err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "storage_error",
				Message: err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ip": ip, "nickname": req.Nickname})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	if err := s.node.SendMessage(req.IP, req.Text, req.WantAck); err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "send_failed",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true, "ip": req.IP})
}

func (s *Server) handleMessageHistory(c *gin.Context) {
	store := s.node.Store()
	if store == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "no_persistence",
			Message: "node is running without a message store",
		})
		return
	}

	msgs, err := store.MessagesByPeer(c.Param("ip"), 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "storage_error",
			Message: err.Error(),
		})
		return
	}

	resp := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, MessageResponse{
			ID:        m.ID,
			PeerIP:    m.PeerIP,
			PacketID:  m.PacketID,
			Content:   m.Content,
			Outgoing:  m.IsOutgoing,
			Acked:     m.Acked,
			CreatedAt: m.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": resp, "count": len(resp)})
}

func (s *Server) handleTransfers(c *gin.Context) {
	tasks := s.node.TransferTasksSnapshot()
	resp := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, taskResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"transfers": resp, "count": len(resp)})
}

func (s *Server) handleOfferFile(c *gin.Context) {
	var req OfferFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	taskID, err := s.node.OfferFile(req.IP, req.Path)
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "offer_failed",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task_id": taskID})
}

func (s *Server) handleCancelTransfer(c *gin.Context) {
	if err := s.node.CancelTransfer(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "cancel_failed",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": c.Param("id")})
}

func (s *Server) handleCleanup(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"purged": s.node.CleanupTransfers()})
}

func (s *Server) handleOffers(c *gin.Context) {
	offers := s.node.OffersSnapshot()
	resp := make([]OfferResponse, 0, len(offers))
	for _, o := range offers {
		resp = append(resp, OfferResponse{
			ID:         o.ID,
			SenderIP:   o.SenderIP,
			SenderName: o.SenderName,
			FileName:   o.FileName,
			FileSize:   o.FileSize,
			Hash:       o.Hash,
			CreatedAt:  o.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"offers": resp, "count": len(resp)})
}

func (s *Server) handleOfferDecision(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	id := c.Param("id")
	if !req.Accept {
		if err := s.node.RejectOffer(id); err != nil {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "decision_failed",
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"offer_id": id, "accepted": false})
		return
	}

	taskID, err := s.node.AcceptOffer(id, req.Port)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "decision_failed",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer_id": id, "accepted": true, "task_id": taskID})
}

func (s *Server) peerResponse(p presence.PeerRecord) PeerResponse {
	return PeerResponse{
		IP:       p.IP,
		Port:     p.Port,
		Username: p.Username,
		Hostname: p.Hostname,
		Nickname: p.Nickname,
		Online:   s.node.Directory().IsOnline(p.IP),
		LastSeen: p.LastSeen.Format(time.RFC3339),
	}
}

func taskResponse(t transfer.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Direction:   string(t.Direction),
		PeerIP:      t.PeerIP,
		FileName:    t.FileName,
		FileSize:    t.FileSize,
		Status:      string(t.Status),
		Transferred: t.Transferred,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   t.UpdatedAt.Format(time.RFC3339),
	}
}

// Package transfer manages the file-transfer task table and the
// offer/accept/data-channel lifecycle.
package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lantalk/lantalk-node/pkg/protocol"
)

var (
	ErrTaskNotFound      = errors.New("transfer task not found")
	ErrOfferNotFound     = errors.New("file offer not found")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrBadPayload        = errors.New("malformed file-transfer payload")
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Direction distinguishes uploads from downloads.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Task is one accepted transfer. Owned exclusively by the Coordinator;
// callers only ever see copies.
type Task struct {
	ID          string
	Direction   Direction
	PeerIP      string
	FilePath    string // local path; empty until accepted for downloads
	FileName    string
	FileSize    uint64
	Hash        string
	Status      Status
	Transferred uint64
	Port        int // negotiated data-channel port, set on activation
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PendingOffer is one unanswered incoming transfer request.
type PendingOffer struct {
	ID         string
	SenderIP   string
	SenderPort int
	SenderName string
	FileName   string
	FileSize   uint64
	Hash       string
	CreatedAt  time.Time
}

// OfferPayload is the JSON request carried as frame content.
type OfferPayload struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
	Hash string `json:"hash"`
}

// DecisionPayload is the JSON response carried as frame content. Port is
// omitted on reject.
type DecisionPayload struct {
	Accept bool `json:"accept"`
	Port   int  `json:"port,omitempty"`
}

// SendFunc emits one protocol frame to a peer. Wired in by the node.
type SendFunc func(kind uint32, content, ip string, port int) error

// ProgressFunc observes task mutations for the event layer.
type ProgressFunc func(task Task)

// Coordinator owns the transfer-task and pending-offer tables.
type Coordinator struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	offers map[string]*PendingOffer

	send       SendFunc
	onProgress ProgressFunc
	now        func() time.Time
}

// NewCoordinator creates an empty coordinator. send may be nil in tests
// that only exercise the state machine.
func NewCoordinator(send SendFunc) *Coordinator {
	return &Coordinator{
		tasks:  make(map[string]*Task),
		offers: make(map[string]*PendingOffer),
		send:   send,
		now:    time.Now,
	}
}

// SetProgressFunc wires the per-mutation observer.
func (c *Coordinator) SetProgressFunc(fn ProgressFunc) {
	c.onProgress = fn
}

// Offer sends a transfer request for a local file and creates the upload
// task in Pending. The request payload carries the file name, size and
// streaming content hash.
func (c *Coordinator) Offer(filePath, peerIP string, peerPort int) (string, error) {
	name, size, err := statFile(filePath)
	if err != nil {
		return "", fmt.Errorf("offer %s: %w", filePath, err)
	}
	hash, err := HashFile(filePath)
	if err != nil {
		return "", fmt.Errorf("offer %s: %w", filePath, err)
	}

	payload, err := json.Marshal(OfferPayload{Name: name, Size: size, Hash: hash})
	if err != nil {
		return "", err
	}
	kind := protocol.Pack(protocol.ModeSendMsg, protocol.OptFileAttach)
	if err := c.send(kind, string(payload), peerIP, peerPort); err != nil {
		return "", fmt.Errorf("offer %s: %w", filePath, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	task := &Task{
		ID:        uuid.NewString(),
		Direction: DirectionUpload,
		PeerIP:    peerIP,
		FilePath:  filePath,
		FileName:  name,
		FileSize:  size,
		Hash:      hash,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.tasks[task.ID] = task
	return task.ID, nil
}

// OnIncomingOffer parses a request frame into a PendingOffer. No task is
// created until the offer is decided.
func (c *Coordinator) OnIncomingOffer(f *protocol.Frame, senderIP string, senderPort int) (PendingOffer, error) {
	var payload OfferPayload
	if err := json.Unmarshal([]byte(f.Content), &payload); err != nil {
		return PendingOffer{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if payload.Name == "" {
		return PendingOffer{}, fmt.Errorf("%w: missing file name", ErrBadPayload)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	offer := &PendingOffer{
		ID:         uuid.NewString(),
		SenderIP:   senderIP,
		SenderPort: senderPort,
		SenderName: f.SenderName,
		FileName:   payload.Name,
		FileSize:   payload.Size,
		Hash:       payload.Hash,
		CreatedAt:  c.now(),
	}
	c.offers[offer.ID] = offer
	return *offer, nil
}

// Decide answers a pending offer. The offer is consumed either way; on
// accept a Download task is created in Pending with the advertised
// metadata, saving to savePath.
func (c *Coordinator) Decide(offerID string, accept bool, dataPort int, savePath string) (string, error) {
	c.mu.Lock()
	offer, ok := c.offers[offerID]
	if !ok {
		c.mu.Unlock()
		return "", ErrOfferNotFound
	}
	delete(c.offers, offerID)
	c.mu.Unlock()

	decision := DecisionPayload{Accept: accept}
	if accept {
		decision.Port = dataPort
	}
	payload, err := json.Marshal(decision)
	if err != nil {
		return "", err
	}
	if err := c.send(protocol.ModeGetFileData, string(payload), offer.SenderIP, offer.SenderPort); err != nil {
		return "", fmt.Errorf("decide offer %s: %w", offerID, err)
	}

	if !accept {
		return "", nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	task := &Task{
		ID:        uuid.NewString(),
		Direction: DirectionDownload,
		PeerIP:    offer.SenderIP,
		FilePath:  savePath,
		FileName:  offer.FileName,
		FileSize:  offer.FileSize,
		Hash:      offer.Hash,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.tasks[task.ID] = task
	return task.ID, nil
}

// OnDecision applies a peer's answer to one of our outstanding offers:
// the oldest Pending upload task for that peer is activated on accept or
// cancelled on reject. Returns the affected task.
func (c *Coordinator) OnDecision(f *protocol.Frame, senderIP string) (Task, bool, error) {
	var payload DecisionPayload
	if err := json.Unmarshal([]byte(f.Content), &payload); err != nil {
		return Task{}, false, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	c.mu.Lock()
	var task *Task
	for _, t := range c.tasks {
		if t.Direction != DirectionUpload || t.PeerIP != senderIP || t.Status != StatusPending {
			continue
		}
		if task == nil || t.CreatedAt.Before(task.CreatedAt) {
			task = t
		}
	}
	if task == nil {
		c.mu.Unlock()
		return Task{}, false, fmt.Errorf("%w: no pending upload for %s", ErrTaskNotFound, senderIP)
	}
	id := task.ID
	c.mu.Unlock()

	if !payload.Accept {
		if err := c.Cancel(id); err != nil {
			return Task{}, false, err
		}
		t, _ := c.Get(id)
		return t, false, nil
	}

	if err := c.Activate(id, payload.Port); err != nil {
		return Task{}, false, err
	}
	t, _ := c.Get(id)
	return t, true, nil
}

// OnRelease cancels every non-terminal task with the releasing peer.
func (c *Coordinator) OnRelease(senderIP string) int {
	c.mu.Lock()
	var ids []string
	for _, t := range c.tasks {
		if t.PeerIP == senderIP && !t.Status.Terminal() {
			ids = append(ids, t.ID)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		_ = c.Cancel(id)
	}
	return len(ids)
}

// Activate transitions Pending -> Active and records the negotiated port.
func (c *Coordinator) Activate(id string, port int) error {
	return c.mutate(id, func(t *Task) error {
		if t.Status != StatusPending {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusActive)
		}
		t.Status = StatusActive
		t.Port = port
		return nil
	})
}

// Progress advances the transferred byte count. It never goes backwards
// and never exceeds the file size.
func (c *Coordinator) Progress(id string, transferred uint64) error {
	return c.mutate(id, func(t *Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("%w: progress on %s task", ErrInvalidTransition, t.Status)
		}
		if transferred > t.FileSize {
			transferred = t.FileSize
		}
		if transferred > t.Transferred {
			t.Transferred = transferred
		}
		return nil
	})
}

// Pause transitions Active -> Paused.
func (c *Coordinator) Pause(id string) error {
	return c.mutate(id, func(t *Task) error {
		if t.Status != StatusActive {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusPaused)
		}
		t.Status = StatusPaused
		return nil
	})
}

// Resume transitions Paused -> Active.
func (c *Coordinator) Resume(id string) error {
	return c.mutate(id, func(t *Task) error {
		if t.Status != StatusPaused {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusActive)
		}
		t.Status = StatusActive
		return nil
	})
}

// Complete marks a task finished. Valid from any non-terminal state.
func (c *Coordinator) Complete(id string) error {
	return c.terminal(id, StatusCompleted, "")
}

// Fail marks a task failed with a human-readable reason.
func (c *Coordinator) Fail(id, reason string) error {
	return c.terminal(id, StatusFailed, reason)
}

// Cancel marks a task cancelled.
func (c *Coordinator) Cancel(id string) error {
	return c.terminal(id, StatusCancelled, "")
}

func (c *Coordinator) terminal(id string, status Status, reason string) error {
	return c.mutate(id, func(t *Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
		}
		t.Status = status
		t.Error = reason
		return nil
	})
}

// mutate runs fn on a task under the lock, bumps UpdatedAt, and notifies
// the observer outside the lock.
func (c *Coordinator) mutate(id string, fn func(*Task) error) error {
	c.mu.Lock()
	t, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := fn(t); err != nil {
		c.mu.Unlock()
		return err
	}
	t.UpdatedAt = c.now()
	snapshot := *t
	c.mu.Unlock()

	if c.onProgress != nil {
		c.onProgress(snapshot)
	}
	return nil
}

// Get returns a copy of one task.
func (c *Coordinator) Get(id string) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns copies of all tasks, oldest first.
func (c *Coordinator) Tasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Offers returns copies of all unanswered offers, oldest first.
func (c *Coordinator) Offers() []PendingOffer {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PendingOffer, 0, len(c.offers))
	for _, o := range c.offers {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cleanup purges terminal-state tasks. Explicit by design: callers decide
// when finished history stops being interesting.
func (c *Coordinator) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, t := range c.tasks {
		if t.Status.Terminal() {
			delete(c.tasks, id)
			n++
		}
	}
	return n
}

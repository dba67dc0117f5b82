package turn

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"nexuschat/internal/checkpoint"
	"nexuschat/internal/conversation"
	"nexuschat/internal/models"
	"nexuschat/internal/threads"
)

// Inference is the opaque model capability: given the transcript so far it
// produces a reply, either atomically or as ordered non-empty fragments
// forwarded through emit.
type Inference interface {
	StreamReply(ctx context.Context, history []models.Message, emit func(string) error) (string, error)
}

// TurnRequest describes one conversational turn.
type TurnRequest struct {
	UserID   int64
	ThreadID string
	Content  string
	// Emit receives each reply fragment as it arrives. A non-nil return
	// aborts the turn (caller gone).
	Emit func(string) error
}

// A turn moves idle -> sent -> streaming -> completed; a fault in sent or
// streaming ends it as failed with nothing persisted.
type state int

const (
	stateIdle state = iota
	stateSent
	stateStreaming
	stateCompleted
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSent:
		return "sent"
	case stateStreaming:
		return "streaming"
	case stateCompleted:
		return "completed"
	default:
		return "failed"
	}
}

const lockStripes = 64

// Runner drives conversational turns. Turns for the same thread are
// serialized; distinct threads run concurrently.
type Runner struct {
	registry  *threads.Registry
	loader    *conversation.Loader
	store     *checkpoint.Store
	inference Inference

	// Run locks are striped by thread id hash to keep memory bounded; a
	// stripe collision serializes two unrelated turns, which is harmless.
	running [lockStripes]sync.Mutex
}

// NewRunner builds a turn runner.
func NewRunner(registry *threads.Registry, loader *conversation.Loader, store *checkpoint.Store, inf Inference) *Runner {
	return &Runner{
		registry:  registry,
		loader:    loader,
		store:     store,
		inference: inf,
	}
}

func (r *Runner) threadLock(threadID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(threadID))
	return &r.running[h.Sum32()%lockStripes]
}

// Run executes one turn: the new user message plus the prior transcript go to
// the inference capability, every fragment is forwarded through req.Emit as it
// arrives, and only on successful completion are the user message and the full
// concatenated reply appended to the checkpoint store. A failed or abandoned
// turn persists nothing.
func (r *Runner) Run(ctx context.Context, req TurnRequest) (*models.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, errors.New("content cannot be empty")
	}

	owns, err := r.registry.Owns(ctx, req.UserID, req.ThreadID)
	if err != nil {
		return nil, err
	}
	if !owns {
		return nil, threads.ErrNotOwner
	}

	lock := r.threadLock(req.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	history, err := r.loader.History(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	// The new user message joins the context in memory only; it is not
	// durable until the whole turn completes.
	history = append(history, models.Message{Role: models.RoleUser, Content: content})

	st := stateSent
	reply, err := r.inference.StreamReply(ctx, history, func(fragment string) error {
		st = stateStreaming
		if err := ctx.Err(); err != nil {
			return err
		}
		return req.Emit(fragment)
	})
	if err != nil {
		return nil, fmt.Errorf("turn failed while %s: %w", st, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("turn failed while %s: %w", st, err)
	}

	// Persistence happens once, after streaming finished. Both records of
	// the turn land in one per-thread-locked append, so a crash mid-stream
	// leaves the transcript exactly as it was before the turn.
	err = r.store.Append(ctx, req.ThreadID,
		checkpoint.Record{Kind: checkpoint.KindUser, Content: content},
		checkpoint.Record{Kind: checkpoint.KindAssistant, Content: reply},
	)
	if err != nil {
		return nil, err
	}
	r.loader.Invalidate(ctx, req.ThreadID)
	st = stateCompleted
	debugLog("[turn] thread %s %s, reply %d bytes", req.ThreadID, st, len(reply))

	return &models.Message{Role: models.RoleAssistant, Content: reply}, nil
}

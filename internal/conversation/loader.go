package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"nexuschat/internal/checkpoint"
	"nexuschat/internal/models"
	"nexuschat/internal/redis"
	"nexuschat/internal/threads"
)

const (
	cacheTranscriptPrefix = "conversation:transcript:"
	cacheTranscriptTTL    = 30 * time.Minute
)

// Loader reconstructs caller-facing transcripts from the checkpoint store.
type Loader struct {
	registry *threads.Registry
	store    *checkpoint.Store
	cache    *redis.Client
}

// NewLoader builds a conversation loader. cache may be nil.
func NewLoader(registry *threads.Registry, store *checkpoint.Store, cache *redis.Client) *Loader {
	return &Loader{registry: registry, store: store, cache: cache}
}

// Load returns the thread's transcript in original append order after
// confirming the caller owns the thread. A freshly linked thread yields an
// empty transcript.
func (l *Loader) Load(ctx context.Context, userID int64, threadID string) ([]models.Message, error) {
	owns, err := l.registry.Owns(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	if !owns {
		return nil, threads.ErrNotOwner
	}
	return l.History(ctx, threadID)
}

// History reconstructs the transcript without an ownership check. It is meant
// for call sites that already authorized the caller, such as a running turn.
func (l *Loader) History(ctx context.Context, threadID string) ([]models.Message, error) {
	if cached, ok := l.fromCache(ctx, threadID); ok {
		return cached, nil
	}

	records, err := l.store.Records(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	transcript := make([]models.Message, 0, len(records))
	for _, rec := range records {
		role, ok := classify(rec.Kind)
		if !ok {
			// Internal record kinds (system prompts, tool traffic) are
			// not part of the caller-facing transcript.
			continue
		}
		transcript = append(transcript, models.Message{Role: role, Content: rec.Content})
	}

	l.toCache(ctx, threadID, transcript)
	return transcript, nil
}

// Invalidate drops the cached transcript after new messages were appended.
func (l *Loader) Invalidate(ctx context.Context, threadID string) {
	if err := l.cache.Del(ctx, cacheTranscriptPrefix+threadID); err != nil {
		log.Printf("invalidate transcript cache for %s: %v", threadID, err)
	}
}

// classify maps a stored record kind onto a caller-facing role. The mapping
// is total: anything that is not a user or assistant record is dropped.
func classify(kind string) (models.Role, bool) {
	switch kind {
	case checkpoint.KindUser:
		return models.RoleUser, true
	case checkpoint.KindAssistant:
		return models.RoleAssistant, true
	default:
		return "", false
	}
}

func (l *Loader) fromCache(ctx context.Context, threadID string) ([]models.Message, bool) {
	raw, err := l.cache.Get(ctx, cacheTranscriptPrefix+threadID)
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("transcript cache read for %s: %v", threadID, err)
		}
		return nil, false
	}
	var transcript []models.Message
	if err := json.Unmarshal([]byte(raw), &transcript); err != nil {
		log.Printf("transcript cache decode for %s: %v", threadID, err)
		return nil, false
	}
	return transcript, true
}

func (l *Loader) toCache(ctx context.Context, threadID string, transcript []models.Message) {
	data, err := json.Marshal(transcript)
	if err != nil {
		return
	}
	if err := l.cache.Set(ctx, cacheTranscriptPrefix+threadID, data, cacheTranscriptTTL); err != nil {
		log.Printf("transcript cache write for %s: %v", threadID, err)
	}
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"docchat/internal/models"
	"docchat/internal/redis"
)

const (
	redisInvalidateChannel = "worker:invalidate"
	redisStateTTL          = 30 * time.Minute
)

const (
	scopeUser        = "user"
	scopeSession     = "session"
	scopeAttachments = "attachments"
)

type invalidateMessage struct {
	UserID    int64  `json:"user_id"`
	SessionID int64  `json:"session_id"`
	Scope     string `json:"scope"`
}

type stateRedis struct {
	client *redis.Client
}

func newStateCache(client *redis.Client) *stateRedis {
	return &stateRedis{client: client}
}

// startListener consumes cross-instance invalidation messages.
func (r *stateRedis) startListener(handler func(invalidateMessage)) {
	if r == nil || r.client == nil || handler == nil {
		return
	}
	ch := r.client.Subscribe(context.Background(), redisInvalidateChannel)
	if ch == nil {
		return
	}
	go func() {
		for msg := range ch {
			var inv invalidateMessage
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				log.Printf("worker invalidation decode failed: %v", err)
				continue
			}
			handler(inv)
		}
	}()
}

// publishInvalidation broadcasts an invalidation to every instance,
// including this one.
func (r *stateRedis) publishInvalidation(msg invalidateMessage) {
	if r == nil || r.client == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("worker invalidation marshal failed: %v", err)
		return
	}
	if err := r.client.Publish(context.Background(), redisInvalidateChannel, payload); err != nil {
		log.Printf("worker publish invalidation failed: %v", err)
	}
}

func (r *stateRedis) cacheSession(session *models.Session, history []*models.Message) {
	if r == nil || r.client == nil || session == nil || session.ID <= 0 {
		return
	}
	ctx := context.Background()
	data, err := json.Marshal(session)
	if err == nil {
		key := fmt.Sprintf("worker:session:%d", session.ID)
		if err := r.client.Set(ctx, key, data, redisStateTTL); err != nil {
			log.Printf("worker rdb session failed: %v", err)
		}
	}
	r.cacheHistory(session.ID, history)
}

func (r *stateRedis) cacheHistory(sessionID int64, history []*models.Message) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return
	}
	ctx := context.Background()
	data, err := json.Marshal(history)
	if err != nil {
		log.Printf("worker rdb history marshal failed: %v", err)
		return
	}
	key := fmt.Sprintf("worker:history:%d", sessionID)
	if err := r.client.Set(ctx, key, data, redisStateTTL); err != nil {
		log.Printf("worker rdb history failed: %v", err)
	}
}

func (r *stateRedis) cacheAttachments(sessionID int64, attachments []*models.Attachment) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return
	}
	if len(attachments) == 0 {
		r.invalidateAttachments(sessionID)
		return
	}
	ctx := context.Background()
	data, err := json.Marshal(attachments)
	if err != nil {
		log.Printf("worker rdb attachments marshal failed: %v", err)
		return
	}
	key := fmt.Sprintf("worker:attachments:%d", sessionID)
	if err := r.client.Set(ctx, key, data, redisStateTTL); err != nil {
		log.Printf("worker rdb attachments failed: %v", err)
	}
}

func (r *stateRedis) loadSession(userID, sessionID int64) (*models.Session, []*models.Message, bool) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return nil, nil, false
	}
	ctx := context.Background()
	key := fmt.Sprintf("worker:session:%d", sessionID)
	rawSession, err := r.client.Get(ctx, key)
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("worker load session rdb failed: %v", err)
		}
		return nil, nil, false
	}
	var session models.Session
	if err := json.Unmarshal([]byte(rawSession), &session); err != nil {
		log.Printf("worker decode session rdb failed: %v", err)
		return nil, nil, false
	}
	if session.UserID != userID {
		return nil, nil, false
	}

	var history []*models.Message
	historyKey := fmt.Sprintf("worker:history:%d", sessionID)
	rawHistory, err := r.client.Get(ctx, historyKey)
	if err == nil {
		if err := json.Unmarshal([]byte(rawHistory), &history); err != nil {
			log.Printf("worker decode history rdb failed: %v", err)
			history = nil
		}
	} else if err != redis.ErrCacheMiss {
		log.Printf("worker load history rdb failed: %v", err)
	}
	return &session, history, true
}

func (r *stateRedis) loadAttachments(userID, sessionID int64) ([]*models.Attachment, bool) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return nil, false
	}
	ctx := context.Background()
	key := fmt.Sprintf("worker:attachments:%d", sessionID)
	rawAttachments, err := r.client.Get(ctx, key)
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("worker load attachments rdb failed: %v", err)
		}
		return nil, false
	}
	var attachments []*models.Attachment
	if err := json.Unmarshal([]byte(rawAttachments), &attachments); err != nil {
		log.Printf("worker decode attachments rdb failed: %v", err)
		return nil, false
	}
	for _, a := range attachments {
		if a != nil && a.UserID != userID {
			return nil, false
		}
	}
	return attachments, true
}

func (r *stateRedis) invalidateSession(sessionID int64) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return
	}
	ctx := context.Background()
	sessionKey := fmt.Sprintf("worker:session:%d", sessionID)
	historyKey := fmt.Sprintf("worker:history:%d", sessionID)
	if err := r.client.Del(ctx, sessionKey, historyKey); err != nil && err != redis.ErrCacheMiss {
		log.Printf("worker invalidate session rdb failed: %v", err)
	}
}

func (r *stateRedis) invalidateAttachments(sessionID int64) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return
	}
	ctx := context.Background()
	key := fmt.Sprintf("worker:attachments:%d", sessionID)
	if err := r.client.Del(ctx, key); err != nil && err != redis.ErrCacheMiss {
		log.Printf("worker invalidate attachments rdb failed: %v", err)
	}
}

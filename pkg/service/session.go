package service

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// SessionStore maps opaque session tokens to authenticated principals for
// the serve endpoints.
type SessionStore interface {
	Create(ctx context.Context, user string, ttl time.Duration) (string, error)
	Lookup(ctx context.Context, token string) (string, error)
	Destroy(ctx context.Context, token string) error
}

// ErrNoSession is returned for unknown or expired tokens.
var ErrNoSession = redis.Nil

type redisSessions struct {
	client *redis.Client
}

func NewRedisSessions(client *redis.Client) SessionStore {
	return &redisSessions{client: client}
}

func sessionKey(token string) string {
	return "rowmail:session:" + token
}

func (s *redisSessions) Create(ctx context.Context, user string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	if err := s.client.Set(ctx, sessionKey(token), user, ttl).Err(); err != nil {
		return "", err
	}
	return token, nil
}

func (s *redisSessions) Lookup(ctx context.Context, token string) (string, error) {
	return s.client.Get(ctx, sessionKey(token)).Result()
}

func (s *redisSessions) Destroy(ctx context.Context, token string) error {
	return s.client.Del(ctx, sessionKey(token)).Err()
}

type memorySessions struct {
	mu       sync.Mutex
	sessions map[string]memorySession
}

type memorySession struct {
	user    string
	expires time.Time
}

func NewMemorySessions() SessionStore {
	return &memorySessions{sessions: make(map[string]memorySession)}
}

func (s *memorySessions) Create(_ context.Context, user string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := uuid.NewString()
	s.sessions[token] = memorySession{user: user, expires: time.Now().Add(ttl)}
	return token, nil
}

func (s *memorySessions) Lookup(_ context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok || !sess.expires.After(time.Now()) {
		delete(s.sessions, token)
		return "", ErrNoSession
	}
	return sess.user, nil
}

func (s *memorySessions) Destroy(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

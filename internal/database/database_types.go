package database

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/queue"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/subscription"
)

const (
	SessionCollectionName = "sessions"
	PatternCollectionName = "bridge_patterns"
)

var (
	ErrClientIDEmpty   = errors.New("client_id is empty")
	ErrSessionNotFound = errors.New("session does not exist")
)

// SessionData is a disconnected, non-clean session as it is persisted.
type SessionData struct {
	ClientID      string                 `bson:"client_id" json:"client_id"`
	Subscriptions []subscription.Record  `bson:"subscriptions" json:"subscriptions"`
	Queue         []queue.PendingMessage `bson:"queue" json:"queue"`
	LastSeen      time.Time              `bson:"last_seen" json:"last_seen"`
}

func NewSessionData(clientID string) *SessionData {
	return &SessionData{ClientID: clientID}
}

func (s *SessionData) clone() *SessionData {
	c := *s
	c.Subscriptions = slices.Clone(s.Subscriptions)
	c.Queue = slices.Clone(s.Queue)
	return &c
}

// PatternSet is the set of patterns the bridge client last subscribed to.
type PatternSet struct {
	ClientID string   `bson:"client_id" json:"client_id"`
	Patterns []string `bson:"patterns" json:"patterns"`
}

// SessionRepository persists broker sessions and the bridge client's pattern
// set. GetSession and GetPatterns wrap ErrSessionNotFound when nothing is
// stored.
type SessionRepository interface {
	GetSession(ctx context.Context, clientID string) (*SessionData, error)
	SaveSession(ctx context.Context, session *SessionData) error
	DeleteSession(ctx context.Context, clientID string) error
	ListSessions(ctx context.Context) ([]*SessionData, error)
	GetPatterns(ctx context.Context, clientID string) ([]string, error)
	SavePatterns(ctx context.Context, clientID string, patterns []string) error
	Close(ctx context.Context) error
}

// CloseCallback closes a repository on shutdown.
type CloseCallback struct {
	repo SessionRepository
}

func NewCloseCallback(repo SessionRepository) *CloseCallback {
	return &CloseCallback{repo: repo}
}

func (cc *CloseCallback) Invoke(ctx context.Context) error {
	return cc.repo.Close(ctx)
}

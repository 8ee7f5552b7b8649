/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

// Package natsbus publishes entity events on NATS and applies the events of
// other processes to local identity maps.
//
// Events go to <prefix>.<entity type>.<kind>, for example
// entitydao.Company.updated, as JSON:
//
//	nc, _ := nats.Connect(nats.DefaultURL)
//	pub := natsbus.NewPublisher(nc)
//	natsbus.Attach(pub, companies)
//	sub, _ := natsbus.Follow(nc, companies)
//	defer sub.Unsubscribe()
//
// A factory ignores its own messages; they carry its session id.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/suparena/entitydao"
	"github.com/suparena/entitydao/event"
	"github.com/suparena/entitydao/key"
)

// DefaultPrefix is the first subject token.
const DefaultPrefix = "entitydao"

// Conn publishes raw messages. *nats.Conn implements it.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Subscriber registers asynchronous handlers. *nats.Conn implements it.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Message is the payload of a published entity event.
type Message struct {
	EntityType string         `json:"entityType"`
	Kind       string         `json:"kind"`
	Key        string         `json:"key"`
	Version    int64          `json:"version"`
	Session    string         `json:"session,omitempty"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	Time       time.Time      `json:"time"`
}

type config struct {
	prefix string
	logger *slog.Logger
}

// Option configures a Publisher or a Follower.
type Option func(*config)

// WithPrefix replaces DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

func newConfig(opts []Option) config {
	c := config{prefix: DefaultPrefix, logger: slog.Default()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// Subject returns the subject of kind events of entityType.
func Subject(prefix, entityType, kind string) string {
	return prefix + "." + subjectReplacer.Replace(entityType) + "." + kind
}

// Publisher sends entity events to NATS.
type Publisher struct {
	conn Conn
	cfg  config
}

// NewPublisher creates a publisher over conn.
func NewPublisher(conn Conn, opts ...Option) *Publisher {
	return &Publisher{conn: conn, cfg: newConfig(opts)}
}

// Publish sends one message.
func (p *Publisher) Publish(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", msg.EntityType, err)
	}
	subject := Subject(p.cfg.prefix, msg.EntityType, msg.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.cfg.logger.Debug("published entity event", "subject", subject, "key", msg.Key, "version", msg.Version)
	return nil
}

// Listener returns a DAO listener publishing local events stamped with
// session. Remote events are not published again.
func Listener[K key.Key](p *Publisher, session string) event.DaoListener[K] {
	return event.DaoListenerFunc[K](func(_ context.Context, ev event.EntityEvent[K]) error {
		if ev.Remote {
			return nil
		}
		return p.Publish(Message{
			EntityType: ev.EntityType,
			Kind:       ev.Kind.String(),
			Key:        key.Format(ev.Key),
			Version:    ev.Version,
			Session:    session,
			Before:     ev.Before,
			After:      ev.After,
			Time:       ev.Time,
		})
	})
}

// Attach publishes the events of dao and returns the function removing the listener.
func Attach[K key.Key](p *Publisher, dao *entitydao.DAO[K]) func() {
	return dao.AddListener(Listener[K](p, dao.Factory().Session()))
}

// Follower applies the events of other sessions to a DAO: loaded objects are
// refreshed when a newer version is announced and detached when deleted.
// Objects with pending changes are left alone.
type Follower[K key.Key] struct {
	dao *entitydao.DAO[K]
	cfg config
}

// NewFollower creates a follower for dao.
func NewFollower[K key.Key](dao *entitydao.DAO[K], opts ...Option) *Follower[K] {
	return &Follower[K]{dao: dao, cfg: newConfig(opts)}
}

// Subject returns the wildcard subject of the DAO's events.
func (f *Follower[K]) Subject() string {
	return Subject(f.cfg.prefix, f.dao.EntityType(), "*")
}

// HandleMsg applies one message.
func (f *Follower[K]) HandleMsg(ctx context.Context, msg *nats.Msg) error {
	var m Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Subject, err)
	}
	if m.EntityType != f.dao.EntityType() || m.Session == f.dao.Factory().Session() {
		return nil
	}
	k, err := key.Parse[K](m.Key)
	if err != nil {
		return fmt.Errorf("decode %s: %w", msg.Subject, err)
	}

	switch m.Kind {
	case event.Deleted.String():
		if f.dao.Detach(ctx, k) {
			f.cfg.logger.Info("detached entity deleted by another session",
				"entityType", m.EntityType,
				"key", m.Key,
				"session", m.Session,
			)
		}
	case event.Created.String(), event.Updated.String():
		obj, ok := f.dao.Lookup(k)
		if !ok || m.Version <= obj.Version() {
			return nil
		}
		if obj.IsDirty() {
			f.cfg.logger.Warn("skipping refresh of entity with pending changes",
				"entityType", m.EntityType,
				"key", m.Key,
				"loadedVersion", obj.Version(),
				"announcedVersion", m.Version,
			)
			return nil
		}
		if err := f.dao.Refresh(ctx, obj); err != nil {
			return fmt.Errorf("refresh %s %s: %w", m.EntityType, m.Key, err)
		}
	}
	return nil
}

// Follow subscribes a follower of dao on conn.
func Follow[K key.Key](conn Subscriber, dao *entitydao.DAO[K], opts ...Option) (*nats.Subscription, error) {
	f := NewFollower(dao, opts...)
	sub, err := conn.Subscribe(f.Subject(), func(msg *nats.Msg) {
		if err := f.HandleMsg(context.Background(), msg); err != nil {
			f.cfg.logger.Error("failed to apply entity event", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", f.Subject(), err)
	}
	return sub, nil
}

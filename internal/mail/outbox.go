package mail

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

type entry struct {
	link      string
	expiresAt time.Time
}

// Outbox keeps the latest magic link per address in memory for GET /dev/mail/magic-link.
// Development only; config refuses it in production.
type Outbox struct {
	mu   sync.RWMutex
	m    map[string]entry
	nowF func() time.Time
}

// NewOutbox returns an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{
		m:    make(map[string]entry),
		nowF: time.Now,
	}
}

// SendMagicLink stores link for to until expiresAt, replacing any earlier link.
func (o *Outbox) SendMagicLink(ctx context.Context, to, link string, expiresAt time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m[outboxKey(to)] = entry{link: link, expiresAt: expiresAt}
	return nil
}

func (o *Outbox) SendPasskeyAdded(ctx context.Context, to, passkeyName string) error {
	log.Printf("mail: dev outbox: passkey %q added for %s", passkeyName, to)
	return nil
}

func (o *Outbox) SendPasskeyRemoved(ctx context.Context, to, passkeyName string) error {
	log.Printf("mail: dev outbox: passkey %q removed for %s", passkeyName, to)
	return nil
}

// MagicLink returns the latest unexpired link sent to address.
func (o *Outbox) MagicLink(address string) (string, bool) {
	key := outboxKey(address)
	o.mu.RLock()
	e, ok := o.m[key]
	o.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !e.expiresAt.After(o.nowF()) {
		o.mu.Lock()
		delete(o.m, key)
		o.mu.Unlock()
		return "", false
	}
	return e.link, true
}

func outboxKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Discard drops every message. Used when neither a relay nor the dev outbox is configured.
type Discard struct{}

func (Discard) SendMagicLink(ctx context.Context, to, link string, expiresAt time.Time) error {
	log.Printf("mail: no delivery configured; magic link for %s dropped", to)
	return nil
}

func (Discard) SendPasskeyAdded(ctx context.Context, to, passkeyName string) error { return nil }

func (Discard) SendPasskeyRemoved(ctx context.Context, to, passkeyName string) error { return nil }

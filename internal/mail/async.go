package mail

import (
	"context"
	"log"
	"time"
)

// sendTimeout bounds one background delivery.
const sendTimeout = 30 * time.Second

// Async wraps a Sender so every send runs in its own goroutine and returns immediately.
// Failures are logged; the request that triggered the mail never sees them.
type Async struct {
	next Sender
}

// NewAsync returns an Async around next.
func NewAsync(next Sender) *Async {
	return &Async{next: next}
}

func (a *Async) SendMagicLink(ctx context.Context, to, link string, expiresAt time.Time) error {
	a.dispatch("magic link", func(ctx context.Context) error { return a.next.SendMagicLink(ctx, to, link, expiresAt) })
	return nil
}

func (a *Async) SendPasskeyAdded(ctx context.Context, to, passkeyName string) error {
	a.dispatch("passkey added", func(ctx context.Context) error { return a.next.SendPasskeyAdded(ctx, to, passkeyName) })
	return nil
}

func (a *Async) SendPasskeyRemoved(ctx context.Context, to, passkeyName string) error {
	a.dispatch("passkey removed", func(ctx context.Context) error { return a.next.SendPasskeyRemoved(ctx, to, passkeyName) })
	return nil
}

// dispatch uses context.Background so the request finishing does not cancel delivery.
func (a *Async) dispatch(kind string, send func(context.Context) error) {
	if a == nil || a.next == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			log.Printf("mail: async %s send failed: %v", kind, err)
		}
	}()
}

// Package mail delivers the emails of the authentication flows: magic links and passkey
// lifecycle notices. Delivery goes to an HTTP mail relay; development can keep magic links
// in an in-memory outbox instead.
package mail

import (
	"context"
	"fmt"
	"time"
)

// Sender is the outgoing mail capability used by the authentication gateway.
type Sender interface {
	SendMagicLink(ctx context.Context, to, link string, expiresAt time.Time) error
	SendPasskeyAdded(ctx context.Context, to, passkeyName string) error
	SendPasskeyRemoved(ctx context.Context, to, passkeyName string) error
}

// Message is one rendered plain-text email.
type Message struct {
	To      string
	Subject string
	Text    string
}

func magicLinkMessage(to, link string, expiresAt time.Time) Message {
	return Message{
		To:      to,
		Subject: "Your Livre sign-in link",
		Text: fmt.Sprintf("Use the link below to sign in to Livre:\n\n%s\n\nThe link can be used once and expires at %s.\nIf you did not ask for it, you can ignore this email.\n",
			link, expiresAt.UTC().Format(time.RFC1123)),
	}
}

func passkeyAddedMessage(to, name string) Message {
	return Message{
		To:      to,
		Subject: "A passkey was added to your Livre account",
		Text:    fmt.Sprintf("The passkey %q was added to your account.\nIf this was not you, remove it from your account settings.\n", name),
	}
}

func passkeyRemovedMessage(to, name string) Message {
	return Message{
		To:      to,
		Subject: "A passkey was removed from your Livre account",
		Text:    fmt.Sprintf("The passkey %q was removed from your account.\n", name),
	}
}

// Multi fans one send out to every sender. It returns the first error after trying all of them.
type Multi []Sender

func (m Multi) SendMagicLink(ctx context.Context, to, link string, expiresAt time.Time) error {
	return m.each(func(s Sender) error { return s.SendMagicLink(ctx, to, link, expiresAt) })
}

func (m Multi) SendPasskeyAdded(ctx context.Context, to, passkeyName string) error {
	return m.each(func(s Sender) error { return s.SendPasskeyAdded(ctx, to, passkeyName) })
}

func (m Multi) SendPasskeyRemoved(ctx context.Context, to, passkeyName string) error {
	return m.each(func(s Sender) error { return s.SendPasskeyRemoved(ctx, to, passkeyName) })
}

func (m Multi) each(send func(Sender) error) error {
	var first error
	for _, s := range m {
		if err := send(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

package mailer

import (
	"context"
	"sync"
)

// Address identifies one endpoint of an email message.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Email describes a single outbound message. MKind tags the template
// the downstream delivery worker should render; Context carries the
// template variables.
type Email struct {
	From    Address        `json:"from"`
	To      []Address      `json:"to"`
	ReplyTo *Address       `json:"reply_to,omitempty"`
	MKind   string         `json:"mkind"`
	Context map[string]any `json:"context,omitempty"`
}

// Mailer describes the send operation and its observable behavior.
// Implementations enqueue or deliver the message; they must not block
// on remote SMTP round trips when a queue is available.
type Mailer interface {
	Send(ctx context.Context, email *Email) error
}

// NoOp is a Mailer that drops every message. Useful for tests and for
// deployments that handle delivery out of band.
type NoOp struct{}

// Send discards the message and always succeeds.
func (NoOp) Send(context.Context, *Email) error { return nil }

// Recorder is a Mailer that captures every message in memory. Test
// helper only; it never delivers anything.
type Recorder struct {
	mu   sync.Mutex
	sent []*Email
}

// Send records the message.
func (r *Recorder) Send(_ context.Context, email *Email) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, email)
	return nil
}

// Sent returns a copy of all recorded messages in send order.
func (r *Recorder) Sent() []*Email {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Email, len(r.sent))
	copy(out, r.sent)
	return out
}

// Last returns the most recently recorded message, or nil.
func (r *Recorder) Last() *Email {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return nil
	}
	return r.sent[len(r.sent)-1]
}

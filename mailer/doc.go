// Package mailer defines the outbound email boundary for keygate.
//
// The engine never renders or delivers mail itself; it hands a typed
// Email (template kind plus context variables) to a Mailer. The
// production implementation pushes messages onto a Redis list consumed
// by a separate delivery worker, so credential flows never block on
// SMTP.
//
// # Architecture boundaries
//
// This package talks only to Redis and must not import the root keygate
// package, user storage, or sessions.
//
// # What this package must NOT do
//
//   - Render templates or speak SMTP.
//   - Retry failed enqueues; mail is best effort for the caller.
//   - Inspect or validate template context contents.
package mailer

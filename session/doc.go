// Package session implements Redis-backed session rows for the engine.
//
// # Model
//
// A session is an opaque base64url token mapped to a small JSON row. Rows are
// created anonymous or already bound to a user; binding a user to an existing
// anonymous row happens in place, so the token handed to the browser never
// changes across login.
//
// # Architecture boundaries
//
// This package owns row storage and the attach-in-place transaction. Cookie
// serialization, domains, and SameSite policy are the caller's concern; the
// engine only moves session ids in and out.
//
// # What this package must NOT do
//
//   - Interpret user ids (they are opaque int64 values here).
//   - Import the root keygate package.
//   - Merge two sessions; a login either attaches in place or creates anew.
package session

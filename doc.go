// Package keygate provides an identity and credential lifecycle engine:
// provider-scoped schemaless user records, Argon2id password hashing,
// single-use time-boxed verification codes for email confirmation and
// password reset, and Redis-backed opaque sessions.
//
// The package is designed for concurrent server workloads: Engine methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// keygate is the public surface. It exposes [Engine], [Builder], [Config],
// the [UserStore] persistence boundary, and value types (ProviderData,
// FieldErrors, MetricsSnapshot, etc.). Password hashing, session storage,
// mail queueing, and the Redis user store live in sub-packages; code
// generation lives under internal/ and is never exported.
//
// # What this package must NOT do
//
//   - Parse HTTP requests, serialize cookies, or render email templates;
//     callers own the transport and delivery layers.
//   - Block credential flows on mail delivery. Mail is queued best effort
//     after the primary mutation committed.
//   - Reveal through error shapes whether an identity exists. Login and
//     code redemption fail uniformly.
//
// # Single-use contract
//
// A verification code is consumed atomically: of N concurrent redemptions
// exactly one applies the side effect, the rest redirect as if the code
// were unknown. An expired code is never applied; it is replaced, and the
// replacement mailed, in the same call that rejected it.
package keygate

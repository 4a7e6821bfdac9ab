// Package userstore implements the keygate.UserStore persistence boundary
// on Redis.
//
// A user is one hash keyed by numeric id with one field per provider, plus
// reverse indexes for identity, email, verified email, and the
// verification-code custom keys. Writes replace a provider's record
// wholesale and re-derive every index from the record inside an optimistic
// WATCH transaction.
//
// # Architecture boundaries
//
// This package depends on the root keygate package for the record and
// error types and on Redis for storage. Nothing here knows about sessions,
// passwords, or mail.
//
// # What this package must NOT do
//
//   - Merge records. Callers read, modify, and write the full record.
//   - Inspect custom values. Codes, hashes, and timestamps are opaque
//     here; the store only decides which keys deserve a reverse index,
//     and credential material never gets one.
//   - Reuse user ids. The id counter only moves forward, including for
//     creates that later lose their identity claim.
package userstore

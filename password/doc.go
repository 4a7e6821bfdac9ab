// Package password implements password hashing, verification, and strength
// policy with Argon2id defaults.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// The [Argon2] hasher supports transparent parameter upgrades: if the stored
// hash was produced with weaker parameters, [Argon2.NeedsUpgrade] returns
// true so the caller can re-hash on the next successful verification.
//
// # Architecture boundaries
//
// This package owns hashing, verification, and the entropy-based strength
// check ([CheckStrength]). Where hashes are stored, and which field errors a
// weak password maps to, is the Engine's concern.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords; callers supply plaintext and receive hashes.
//   - Import any other keygate package.
//   - Log plaintext passwords or hash parameters at runtime.
package password

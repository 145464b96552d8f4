// Package wire owns the kernel message framing contract.
//
// Ownership boundary:
// - multipart frame layout around the "<IDS|MSG>" delimiter
// - HMAC-SHA256 signing and verification
// - header/content documents for the message types this layer routes
//
// Encode and Decode are pure functions over bytes and a key. Every decode
// failure is reported as a *DecodeError that unwraps to one of
// ErrMalformedFrame, ErrSignatureMismatch or ErrBadPayload.
package wire

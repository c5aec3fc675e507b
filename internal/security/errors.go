package security

import "errors"

var (
	ErrNotBound        = errors.New("no security context bound to connection")
	ErrNoRecipientKey  = errors.New("recipient has no registered encryption key")
	ErrNoPrivateKey    = errors.New("recipient private key is not held by the server")
	ErrDecryptFailed   = errors.New("decryption failed")
	ErrDigestMismatch  = errors.New("payload digest mismatch")
	ErrVerifierMissing = errors.New("no token verifier configured")
)

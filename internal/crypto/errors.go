package crypto

import "errors"

var (
	ErrBadSignature        = errors.New("crypto: bad signature")
	ErrInvalidPublicKey    = errors.New("crypto: invalid public key")
	ErrCiphertextTooShort  = errors.New("crypto: ciphertext too short")
	ErrInvalidPadding      = errors.New("crypto: invalid padding")
	ErrWrongPassword       = errors.New("crypto: wrong password or corrupt certificate")
	ErrUnsupportedSettings = errors.New("crypto: unsupported encryption settings")
	ErrSessionDestroyed    = errors.New("crypto: session destroyed")
)

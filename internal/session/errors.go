package session

import (
	"errors"

	"dev.c0redev.securetcp/internal/handshake"
)

var (
	ErrClosed                     = errors.New("session: connection closed")
	ErrRequestTimedOut            = errors.New("session: request timed out")
	ErrTooManyOutstandingRequests = errors.New("session: too many outstanding requests")
	ErrPeerSecurityError          = errors.New("session: peer rejected our signature")

	// ErrUnexpectedMessage: a handshake frame after the session is up.
	ErrUnexpectedMessage = handshake.ErrUnexpectedMessage
)

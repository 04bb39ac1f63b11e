package chat

import (
	"context"
	"errors"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

var (
	// ErrCredentialUnavailable means no usable token exists for an identity
	// (missing row, revoked grant, expired refresh token).
	ErrCredentialUnavailable = errors.New("credential unavailable")
	// ErrUnauthenticated is what relay callers see for ErrCredentialUnavailable.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrTransport wraps transient upstream network/protocol failures.
	ErrTransport = errors.New("transport error")
	// ErrNotConnected means no live upstream connection exists for the key.
	ErrNotConnected = errors.New("not connected")
	// ErrPersistence wraps store failures; never fatal to a connection.
	ErrPersistence = errors.New("persistence failure")
	// ErrRateLimited means the outbound send budget was not available within the wait bound.
	ErrRateLimited = errors.New("send rate limited")
)

// Class tells the reconnect loop what to do with a connection error.
type Class int

const (
	// ClassRetryable errors are retried with backoff.
	ClassRetryable Class = iota
	// ClassAuth errors get one forced token refresh before being retried.
	ClassAuth
	// ClassFatal errors tear the connection down.
	ClassFatal
	// ClassStopped means the connection was closed on purpose.
	ClassStopped
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassAuth:
		return "auth"
	case ClassFatal:
		return "fatal"
	case ClassStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by a transport's Connect to a Class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassRetryable
	case errors.Is(err, twitch.ErrClientDisconnected), errors.Is(err, context.Canceled):
		return ClassStopped
	case errors.Is(err, ErrCredentialUnavailable):
		return ClassFatal
	case errors.Is(err, twitch.ErrLoginAuthenticationFailed):
		return ClassAuth
	}
	lower := strings.ToLower(err.Error())
	for _, p := range []string{"login authentication failed", "improperly formatted auth", "invalid nick"} {
		if strings.Contains(lower, p) {
			return ClassAuth
		}
	}
	return ClassRetryable
}

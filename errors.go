package chatsync

import "errors"

var (
	// ErrInvalidArgument marks a precondition failure: missing sender,
	// missing conversation, sender outside the participant pair, or an
	// empty message with no image. Nothing is written when it is returned.
	ErrInvalidArgument = errors.New("chatsync: invalid argument")

	// ErrNotFound is returned by stores for an absent key or document.
	ErrNotFound = errors.New("chatsync: not found")

	// ErrRemoteUnavailable is returned when no remote store is configured.
	ErrRemoteUnavailable = errors.New("chatsync: remote store unavailable")

	// ErrIdentityUnavailable is returned when the acting user is unknown.
	ErrIdentityUnavailable = errors.New("chatsync: identity unavailable")
)

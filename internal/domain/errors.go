package domain

import "errors"

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionExists   = errors.New("subscription already exists")
	ErrBroadcasterNotFound  = errors.New("broadcaster not found")
	ErrInvalidTwitchURL     = errors.New("invalid twitch url")
	ErrFilterConfigNotFound = errors.New("filter config not found")
	ErrLockTimeout          = errors.New("timed out waiting for lock")

	// ErrUnauthorized is returned by upstream calls rejected because of an
	// expired or revoked app access token.
	ErrUnauthorized = errors.New("upstream rejected access token")

	// ErrUpstreamSubscriptionNotFound is returned when Twitch has no
	// EventSub subscription with the requested id.
	ErrUpstreamSubscriptionNotFound = errors.New("upstream subscription not found")
)

package bwe

import "errors"

var (
	// ErrInvalidConfig is returned when a Config or bitrate bounds fail validation.
	ErrInvalidConfig = errors.New("bwe: invalid configuration")

	// ErrMalformedFeedback is returned for feedback reports that cannot be
	// interpreted, e.g. delta count not matching the received symbols.
	ErrMalformedFeedback = errors.New("bwe: malformed transport feedback")

	// ErrStaleFeedback is returned for feedback whose base time lies too far
	// behind the newest report already processed.
	ErrStaleFeedback = errors.New("bwe: stale transport feedback")

	// ErrControllerClosed is returned by operations on a closed Controller.
	ErrControllerClosed = errors.New("bwe: controller closed")
)

package queue

import "errors"

var (
	// ErrQueueRequired is returned when an operation names an empty queue.
	ErrQueueRequired = errors.New("queue name required")

	// ErrInvalidQueue is returned for queue names that cannot form a
	// broker subject token.
	ErrInvalidQueue = errors.New("invalid queue name")

	// ErrLeaseSettled is returned when Ack, Nack or Bury is called on a
	// lease that already reached a terminal decision.
	ErrLeaseSettled = errors.New("lease already settled")
)

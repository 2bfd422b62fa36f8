package eventbus

import "context"

// Bus is a thin abstraction over the internal event distribution mechanism.
// Publishing must never block the caller; slow subscribers lose events.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topic string, ch chan<- any) (unsubscribe func(), err error)
}

package reqcast

// SubscriberConfig describes one listener registered on a Registry channel.
type SubscriberConfig[T any] struct {
	// Channel is the id of the channel to listen on. It is created as Transient if missing.
	Channel string
	// OnValue is invoked synchronously for every value delivered to the subscription.
	OnValue func(T)
	// Done gates delivery, once closed OnValue is never invoked again.
	Done <-chan struct{}
	// OnClose is invoked once when the subscription is detached because its channel
	// was deleted or the registry cleared. It is not invoked on Cancel.
	OnClose func()
}

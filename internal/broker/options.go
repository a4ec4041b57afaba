package broker

// Options configures broker-wide QoS and delivery behavior. Modeled on the
// functional-options pattern for endpoint construction rather than package
// globals, so a process can run more than one differently-configured broker.
type Options struct {
	// PublishOnPubrel defers forwarding a QoS 2 publication to the delivery
	// engine until the sender's PUBREL arrives, guaranteeing exactly-once
	// delivery end to end. When false, the publication is forwarded as soon
	// as the PUBLISH is deduplicated, at PUBREC time.
	PublishOnPubrel bool

	// OverlappingSingle controls whether a client matching a publication
	// through two overlapping subscription filters receives it once or once
	// per matching filter.
	OverlappingSingle bool

	// DropQoS0 discards a QoS 0 publication destined for a disconnected
	// session instead of queueing it for replay.
	DropQoS0 bool
}

// Option mutates an Options value during construction.
type Option func(*Options)

// DefaultOptions returns the broker's default configuration: all three
// toggles enabled.
func DefaultOptions() Options {
	return Options{
		PublishOnPubrel:   true,
		OverlappingSingle: true,
		DropQoS0:          true,
	}
}

// WithPublishOnPubrel overrides the PublishOnPubrel default.
func WithPublishOnPubrel(v bool) Option {
	return func(o *Options) { o.PublishOnPubrel = v }
}

// WithOverlappingSingle overrides the OverlappingSingle default.
func WithOverlappingSingle(v bool) Option {
	return func(o *Options) { o.OverlappingSingle = v }
}

// WithDropQoS0 overrides the DropQoS0 default.
func WithDropQoS0(v bool) Option {
	return func(o *Options) { o.DropQoS0 = v }
}

package wearlink

import "time"

// Scheduler arms a one-shot timer. The returned function cancels the timer
// if it has not fired yet. A deterministic Scheduler can be injected in
// tests via WithScheduler.
type Scheduler func(d time.Duration, fn func()) (cancel func())

func defaultScheduler(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Option configures client behavior.
type Option func(*clientOptions)

type clientOptions struct {
	schedule   Scheduler
	retryDelay time.Duration
	caps       Capabilities
}

func clientDefaults() clientOptions {
	return clientOptions{
		schedule:   defaultScheduler,
		retryDelay: retryDelayDefault,
		caps:       localCapabilities,
	}
}

// WithScheduler replaces the timer used for send retries.
func WithScheduler(s Scheduler) Option {
	return func(o *clientOptions) {
		o.schedule = s
	}
}

// WithRetryDelay overrides the delay between send retries. The protocol
// default is one second.
func WithRetryDelay(d time.Duration) Option {
	return func(o *clientOptions) {
		o.retryDelay = d
	}
}

// WithCapabilities overrides the advertised protocol limits. Useful for
// exercising chunked transfers with small payloads.
func WithCapabilities(caps Capabilities) Option {
	return func(o *clientOptions) {
		o.caps = caps
	}
}

package broker

import "time"

// Connection is the exported interface of a broker connection.
type Connection = connection

// Channel is the exported interface of a broker channel.
type Channel = channel

// WithDial overrides how connections are opened.
func WithDial(dial func(url string) (Connection, error)) Options {
	return func(o *options) {
		o.dial = dial
	}
}

// WithRetry overrides the connection attempts and the delay between them.
func WithRetry(attempts int, interval time.Duration) Options {
	return func(o *options) {
		o.connectAttempts = attempts
		o.connectInterval = interval
	}
}

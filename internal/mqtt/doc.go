// Package mqtt is the broker session for mqttsensord. It owns the
// connection to the MQTT broker, publishes sensor readings at QoS 0
// without retain, and dispatches inbound messages.
//
// The session uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// re-subscribes to the configured inbound topics and publishes a
// {"notify":"true"} message to each configured notify topic so that
// consumers can request a fresh reading.
//
// Inbound messages are delivered on paho's goroutine. The [Dispatcher]
// never touches scheduler state, recovers from handler panics, and
// always acknowledges the message so that a bad payload cannot tear
// down the connection.
package mqtt

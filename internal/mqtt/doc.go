// Package mqtt publishes Yak's operational status to an MQTT broker.
//
// A [Tracker] folds the events published on the internal event bus
// into running counters (requests, tokens today, tool failures,
// failovers, job outcomes, upstream service state). The [Publisher]
// keeps an autopaho connection to the broker and pushes:
//
//   - <prefix>/availability: "online" on every (re-)connect, "offline"
//     as the will message and on clean shutdown (retained)
//   - <prefix>/state: the tracker snapshot as JSON, on a fixed interval
//     (retained)
//   - <prefix>/events/<source>/<kind>: each event as JSON as it happens
package mqtt

// Package pipeline drives frames through scoring, deduplication, the
// incident state machine, the cooldown gate, composition and dispatch.
//
// Submit handles one frame synchronously up to the point where an alert
// round is reserved; composing and dispatching the round happens in the
// background and is tracked so Shutdown can wait for it. Reverse geocoding
// starts when an incident is confirmed and never blocks alerting for longer
// than the configured geo wait.
package pipeline

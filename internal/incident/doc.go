// Package incident provides the domain core of roadwatch: the Incident
// record and its lifecycle state machine, the AlertAttempt audit record,
// the Store interface (persistence), and the errors shared by the pipeline
// stages.
package incident

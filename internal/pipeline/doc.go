// Package pipeline contains the resumable orchestration core: the byte-range
// splitter, the manifest completeness detector, the checkpoint store and
// failure log, the unit state machine, and the long-running-operation poller.
//
// Everything here is written against narrow collaborator interfaces and
// keeps no state in memory across invocations: a process may crash at any
// point and a later trigger converges to the same result by re-reading the
// checkpoint record from storage.
package pipeline

// Package service supervises the sweep controller of the daemon.
//
// Overview
// The Supervisor owns the controller, the HTTP API, an optional scheduler
// and the uploaders. Sweeps are started by the API, by the scheduler in
// timer mode, or once on entry in oneshot mode. Every sweep that ends done
// is exported as JSON to each uploader, failed sweeps are only logged.
//
// Data flow:
//
//	scheduler/oneshot     Supervisor               Controller        Worker
//	      |                   |                        |                |
//	      | Start() --------->| callStart() ---------->| Start() ------>| Run()
//	      |                   |                        |<-- items ------|
//	   API client ----------------- pause/resume/cancel ->|             |
//	      |                   |<------- Record --------| (terminal)     |
//	      |                   | upload -> stdout | dir | repository
//
// With service.history set, every task is stored in a sqlite database on
// start and on finish, and sweeps left in progress by a previous process
// are marked as interrupted.
//
// Invariants:
//   - At most one sweep is active, a scheduled start during a sweep is
//     skipped.
//   - Each finished sweep is exported at most once.
//   - The API is not served in oneshot mode.
//
// internal/service/service_test.go is the best source about how to properly use
// Supervisor struct.
package service

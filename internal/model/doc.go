// Package model provides the shared data types of the ferry sync engine.
//
// This package contains type definitions and pure functions only. All other
// internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - Document values are normalized (see Normalize) before they are cached,
//     queued or written remotely, so equality survives any round trip
//   - SyncOperation state only changes through its transition methods
//   - Timestamps are wall-clock UTC; queue ordering uses EnqueuedAt then Seq
//   - All JSON tags use snake_case
package model

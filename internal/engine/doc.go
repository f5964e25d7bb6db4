// Package engine provides the asynchronous backup and restore engine.
// It drives the job lifecycle by resolving sources via the registry, fanning
// one worker per target out under a workgroup supervisor, and updating the
// store with execution results in real time.
package engine

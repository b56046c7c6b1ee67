// Package pkg provides shared utilities for the virtwl device stack.
//
// This package contains common functionality used across the device
// engine and its collaborators, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for device and transport conditions
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with virtwl-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentDevice, "vfd created", "id", id)
//
// # Errors
//
// Common conditions are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrAgain) {
//	    // Transport has no free slot; retry later
//	}
package pkg

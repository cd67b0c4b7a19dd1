// Package pkg provides shared utilities for the rzusb host stack.
//
// This package contains common functionality used across the host
// controller, class drivers and storage layers, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB transport, enumeration and storage errors
//   - The [TransferStatus] taxonomy reported by the pipe layer
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentEnum, "device addressed", "address", 1)
//
// # Errors
//
// Transport errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Clear the halt and retry
//	}
package pkg

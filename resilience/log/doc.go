// Package log defines the logging interface and typed logging fields used
// across the resilience library.
//
// Adapters (such as the zap package) implement Logger so applications can keep
// logging calls consistent across backends. Components accept a Logger in
// their Config and fall back to NopLogger when none is supplied.
package log

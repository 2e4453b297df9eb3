// Package log wraps zerolog with the component-tagged logger conventions
// used across the broker, worker, and cache: Init once at process
// startup, then WithComponent/WithJobID/WithWorkerID/WithClientID for
// child loggers at each call site.
package log

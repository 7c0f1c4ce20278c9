// Package mindflow provides a minimal public façade for building, checking
// and persisting flows without importing internal packages. It re-exports
// the core flow types and exposes a Workspace that saves and loads them.
package mindflow

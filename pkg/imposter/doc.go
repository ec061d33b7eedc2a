// Package imposter defines the payload types shared by the repositories.
//
// An imposter is a mock server instance identified by port. Its
// configuration, predicates, responses, and recorded requests are opaque
// JSON supplied by external collaborators (protocol servers, the matching
// engine, the management API). This package carries them without
// interpreting them, exposing typed accessors only for the handful of
// fields the storage layer needs: the port, the per-response repeat count,
// and the proxy-recording marker.
package imposter

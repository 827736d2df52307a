// Package worker implements the offline cache runtime: the install, activate
// and fetch handlers that own the STATIC and RUNTIME tiers of one cache
// version. Host capabilities (network, client control) are injected so the
// same state machine runs under the serve host and in tests.
package worker

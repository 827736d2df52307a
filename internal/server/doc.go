// Package server hosts the Fiber HTTP front end of `qsw serve`: request-id
// middleware, the site route that turns Host + request URI into the URL the
// cache runtime sees, and the upstream client that implements the runtime's
// network capability. Handlers (proxy, diagnostics) are injected so the
// package stays free of cache policy.
package server

// Package host runs the cache runtime in-process for the serve command. It
// provides the capabilities a browser would: the worker container with its
// registrations, the persisted version hash, the page that reloads and
// receives the readiness event, and the manifest source. A cron scheduler
// reruns reconciliation periodically, standing in for page loads.
package host

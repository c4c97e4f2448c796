// Package api wires the broker to its HTTP surfaces: REST topic management
// and introspection, the shared API-key admission, and the /ws streaming
// endpoint.
package api

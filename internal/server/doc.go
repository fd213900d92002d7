// Package server hosts an applet: it adds the ambient middleware and
// operational routes to the applet's Application, serves one listener per
// enabled protocol, and routes WebSocket upgrade requests on protocols that
// allow them through connection limits into Applet.Upgrade.
package server

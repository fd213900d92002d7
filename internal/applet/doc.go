// Package applet bundles an Echo application with its view, static-file
// and session setup and a hook for protocol upgrades.
//
// The host hijacks upgrade requests and hands the raw socket to
// Applet.Upgrade. When a session engine is installed, its middleware runs
// first against a response stand-in so the session is attached to the
// request before any OnUpgrade listener sees it.
package applet

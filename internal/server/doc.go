// Package server implements the HTTP and WebSocket surface of the relay.
//
// The implementation is organized into files for configuration, origin
// policy, frame dispatch, routing, HTTP handlers and the server lifecycle.
// Socket bookkeeping lives in package session and presence state in package
// presence; this package wires them to the auth and chat services.
package server

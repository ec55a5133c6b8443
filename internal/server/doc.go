// Package server implements the websocket transport and HTTP surface of the
// relay.
//
// A Hub accepts websocket clients, decodes their event envelopes and applies
// them to a relay.Router from a single event loop. The implementation is
// split into files for configuration, the hub, clients, routing, HTTP
// handlers, metrics and process assembly.
package server

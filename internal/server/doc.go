// Package server is the network edge of the presence relay.
//
// A Hub owns every WebSocket connection and the room membership index and
// implements the delivery capabilities the presence registry and the relay
// router consume. Each Client runs a read pump that decodes JSON envelopes
// of the form {"event": name, "data": payload} and a write pump that sends one
// envelope per frame. The Dispatcher maps inbound event names onto registry
// and router operations.
//
// The same gin engine serves the WebSocket endpoint, the /health and
// /online-users operator endpoints and Prometheus metrics. Configuration,
// origin policy and logger construction live here as well.
package server

// Package transport provides the agent-side client for a mesh-relay.
//
// Transport is the narrow interface the agent runtime consumes: send a
// message to a named agent, block for the next delivery, acknowledge a
// delivery by id. HTTPTransport implements it over the relay's HTTP API,
// reading deliveries from the SSE event stream and reconnecting with
// exponential backoff when the stream drops. The event stream is bound to
// the context of the Receive call that opened it, so call Receive with the
// runtime's long-lived context.
package transport

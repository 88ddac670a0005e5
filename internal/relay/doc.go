// Package relay implements the mesh-relay server: the hub that accepts
// messages addressed to named agents, holds them in per-agent inboxes, and
// streams them to consumers over SSE.
//
// Delivery is at-least-once. A held message is not removed on delivery; it
// stays in the inbox until the consumer acknowledges it by message id, and
// becomes deliverable again once a visibility timeout elapses. Consumers
// deduplicate on their side.
//
// Agents register by name to obtain a bearer token. Messages may arrive for
// an agent before it registers; the relay creates the inbox on first use and
// holds them until the agent connects.
package relay

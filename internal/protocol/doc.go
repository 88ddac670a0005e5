// Package protocol defines the JSON wire format for agent task exchange.
//
// Every message is a single tagged structure; the Type field selects which
// of the remaining fields are meaningful:
//
//	task          task_id, description, depends_on, reply_to, sender
//	task_result   task_id, result, error, sender
//	registration  sender, capabilities
//	get_result    task_id, sender, reply_to
//
// The relay wraps each delivered message in a Delivery carrying the
// relay-assigned message_id, which consumers pass back to acknowledge.
package protocol

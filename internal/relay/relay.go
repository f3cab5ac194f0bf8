// ABOUTME: Shared wire types for the relay push boundary between processes.
// ABOUTME: The gateway process POSTs these bodies; the session process decodes them.

// Package relay carries one inbound agent message from the gateway process
// to the session process over an authenticated HTTP push. Delivery is
// at-least-once; the receiving side applies each push idempotently.
package relay

// PushRequest is the body of POST /relay/push.
type PushRequest struct {
	ThreadID  string `json:"threadId"`
	Message   string `json:"message"`
	Author    string `json:"author"`
	Timestamp int64  `json:"timestamp"`
}

// PushResponse is the acceptance body.
type PushResponse struct {
	Success bool `json:"success"`
}

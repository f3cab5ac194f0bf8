// ABOUTME: Gateway protocol frame types and opcodes for the remote platform connection.
// ABOUTME: Defines the opcoded envelope plus HELLO/IDENTIFY/RESUME/DISPATCH payloads.

package discord

import "encoding/json"

// Gateway opcodes.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpResume         = 6
	OpReconnect      = 7
	OpInvalidSession = 9
	OpHello          = 10
	OpHeartbeatAck   = 11
)

// Dispatch event names handled by the gateway client.
const (
	EventReady         = "READY"
	EventResumed       = "RESUMED"
	EventMessageCreate = "MESSAGE_CREATE"
)

// Frame is the opcoded envelope carried over the gateway connection.
// S is the sequence number, present only on dispatch frames; T names the
// dispatch event.
type Frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// helloData is the HELLO payload announcing the heartbeat interval.
type helloData struct {
	HeartbeatIntervalMs int64 `json:"heartbeat_interval"`
}

// readyData is the READY payload issuing the resumable remote session.
type readyData struct {
	SessionID string `json:"session_id"`
	User      User   `json:"user"`
}

// User identifies a platform account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot,omitempty"`
}

// MessageCreate is the dispatch payload for a new message in a channel.
type MessageCreate struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Author    User   `json:"author"`
}

// identifyData is the IDENTIFY payload for a fresh handshake.
type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// resumeData is the RESUME payload re-establishing a prior remote session.
type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// frame constructors used by the client.

func heartbeatFrame(seq *int64) Frame {
	data, _ := json.Marshal(seq)
	return Frame{Op: OpHeartbeat, D: data}
}

func identifyFrame(token string, intents int) Frame {
	data, _ := json.Marshal(identifyData{
		Token:   token,
		Intents: intents,
		Properties: identifyProperties{
			OS:      "linux",
			Browser: "ember-relay",
			Device:  "ember-relay",
		},
	})
	return Frame{Op: OpIdentify, D: data}
}

func resumeFrame(token, sessionID string, seq int64) Frame {
	data, _ := json.Marshal(resumeData{Token: token, SessionID: sessionID, Seq: seq})
	return Frame{Op: OpResume, D: data}
}

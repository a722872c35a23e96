package gateway

import (
	"encoding/json"
	"strconv"

	"github.com/rickgao/gatecord/internal/model"
)

// Op is a gateway op code.
type Op int

const (
	OpDispatch       Op = 0
	OpHeartbeat      Op = 1
	OpIdentify       Op = 2
	OpPresenceUpdate Op = 3
	OpVoiceState     Op = 4
	OpResume         Op = 6
	OpReconnect      Op = 7
	OpRequestMembers Op = 8
	OpInvalidSession Op = 9
	OpHello          Op = 10
	OpHeartbeatACK   Op = 11
)

var opNames = map[Op]string{
	OpDispatch:       "dispatch",
	OpHeartbeat:      "heartbeat",
	OpIdentify:       "identify",
	OpPresenceUpdate: "presence_update",
	OpVoiceState:     "voice_state",
	OpResume:         "resume",
	OpReconnect:      "reconnect",
	OpRequestMembers: "request_members",
	OpInvalidSession: "invalid_session",
	OpHello:          "hello",
	OpHeartbeatACK:   "heartbeat_ack",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return "op_" + strconv.Itoa(int(o))
}

// Payload is the envelope of every gateway message.
type Payload struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// outbound is the envelope of client commands.
type outbound struct {
	Op   Op  `json:"op"`
	Data any `json:"d"`
}

// Dispatch event names the session itself reads.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

// HelloData is the payload of op 10.
type HelloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // Milliseconds
}

// IdentifyProperties describe the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// IdentifyData is the payload of op 2.
type IdentifyData struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          [2]int             `json:"shard"`
	Presence       *model.Presence    `json:"presence,omitempty"`
	Intents        model.Intent       `json:"intents"`
}

// ResumeData is the payload of op 6.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// ReadyData is the part of the READY dispatch the session keeps.
type ReadyData struct {
	Version          int        `json:"v"`
	User             model.User `json:"user"`
	SessionID        string     `json:"session_id"`
	ResumeGatewayURL string     `json:"resume_gateway_url"`
	Shard            []int      `json:"shard,omitempty"`
}

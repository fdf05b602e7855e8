package voicegateway

import "github.com/relaytone/voicecore/utils/ws"

// OPCode represents a Voice Gateway operation code.
type OPCode = ws.OpCode

const (
	IdentifyOP           OPCode = 0 // send
	SelectProtocolOP     OPCode = 1 // send
	ReadyOP              OPCode = 2 // receive
	HeartbeatOP          OPCode = 3 // send
	SessionDescriptionOP OPCode = 4 // receive
	SpeakingOP           OPCode = 5 // send/receive
	HeartbeatAckOP       OPCode = 6 // receive
	ResumeOP             OPCode = 7 // send
	HelloOP              OPCode = 8 // receive
	ResumedOP            OPCode = 9 // receive
	ClientConnectOP      OPCode = 12 // receive, undocumented
	ClientDisconnectOP   OPCode = 13 // receive, undocumented
)

// eventType is the zero EventType every voice gateway event carries: unlike
// the main gateway, the voice gateway has no "t" dispatch field, so the op
// code alone identifies the payload shape.
const eventType ws.EventType = ""

func (ReadyEvent) Op() OPCode              { return ReadyOP }
func (ReadyEvent) EventType() ws.EventType { return eventType }

func (SessionDescriptionEvent) Op() OPCode              { return SessionDescriptionOP }
func (SessionDescriptionEvent) EventType() ws.EventType { return eventType }

func (SpeakingEvent) Op() OPCode              { return SpeakingOP }
func (SpeakingEvent) EventType() ws.EventType { return eventType }

func (HeartbeatACKEvent) Op() OPCode              { return HeartbeatAckOP }
func (HeartbeatACKEvent) EventType() ws.EventType { return eventType }

func (HelloEvent) Op() OPCode              { return HelloOP }
func (HelloEvent) EventType() ws.EventType { return eventType }

func (ResumedEvent) Op() OPCode              { return ResumedOP }
func (ResumedEvent) EventType() ws.EventType { return eventType }

func (ClientConnectEvent) Op() OPCode              { return ClientConnectOP }
func (ClientConnectEvent) EventType() ws.EventType { return eventType }

func (ClientDisconnectEvent) Op() OPCode              { return ClientDisconnectOP }
func (ClientDisconnectEvent) EventType() ws.EventType { return eventType }

// unmarshalers lists every voice gateway event the Codec needs to know how
// to decode. Passed to ws.NewCodec when dialing.
func unmarshalers() ws.OpUnmarshalers {
	return ws.NewOpUnmarshalers(
		func() ws.Event { return &ReadyEvent{} },
		func() ws.Event { return &SessionDescriptionEvent{} },
		func() ws.Event { return &SpeakingEvent{} },
		func() ws.Event { return new(HeartbeatACKEvent) },
		func() ws.Event { return &HelloEvent{} },
		func() ws.Event { return &ResumedEvent{} },
		func() ws.Event { return &ClientConnectEvent{} },
		func() ws.Event { return &ClientDisconnectEvent{} },
	)
}

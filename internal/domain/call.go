package domain

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo
}

// SignalEvent is a targeted call event relayed between two users.
type SignalEvent string

const (
	SignalInvite       SignalEvent = "invite"
	SignalAccept       SignalEvent = "accept"
	SignalReject       SignalEvent = "reject"
	SignalHangup       SignalEvent = "hangup"
	SignalOffer        SignalEvent = "offer"
	SignalAnswer       SignalEvent = "answer"
	SignalICECandidate SignalEvent = "iceCandidate"
)

// Outbound returns the event name the target's connections receive.
func (e SignalEvent) Outbound() string {
	switch e {
	case SignalInvite:
		return "incomingCall"
	case SignalAccept:
		return "callAccepted"
	case SignalReject:
		return "callRejected"
	case SignalHangup:
		return "callEnded"
	case SignalOffer:
		return "webrtcOffer"
	case SignalAnswer:
		return "webrtcAnswer"
	case SignalICECandidate:
		return "webrtcIceCandidate"
	}
	return ""
}

func (e SignalEvent) Valid() bool {
	return e.Outbound() != ""
}

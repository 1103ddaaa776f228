package protocol

// Inbound events.
const (
	EventConnectChannel    = "connectChannel"
	EventDisconnectChannel = "disconnectChannel"
	EventConnectServer     = "connectServer"
	EventDisconnectServer  = "disconnectServer"
	EventCreateServer      = "createServer"
	EventCreateMember      = "createMember"
	EventUpdateMember      = "updateMember"
	EventCreateChannel     = "createChannel"
	EventUpdateChannel     = "updateChannel"
	EventDeleteChannel     = "deleteChannel"
	EventSendMessage       = "sendMessage"
)

// RTC signaling events travel in both directions.
const (
	EventRTCOffer        = "RTCOffer"
	EventRTCAnswer       = "RTCAnswer"
	EventRTCIceCandidate = "RTCIceCandidate"
	EventRTCJoin         = "RTCJoin"
	EventRTCLeave        = "RTCLeave"
)

// Outbound events.
const (
	EventUserUpdate    = "userUpdate"
	EventChannelUpdate = "channelUpdate"
	EventChannelDelete = "channelDelete"
	EventServerUpdate  = "serverUpdate"
	EventMemberUpdate  = "memberUpdate"
	EventPlaySound     = "playSound"
	EventOpenPopup     = "openPopup"
	EventOnMessage     = "onMessage"
	EventError         = "error"
)

// Sound cues carried by playSound.
const (
	SoundJoin  = "join"
	SoundLeave = "leave"
)

// Popup types carried by openPopup.
const (
	PopupAnotherDeviceLogin = "anotherDeviceLogin"
	PopupApplyMember        = "applyMember"
	PopupChannelPassword    = "channelPassword"
)

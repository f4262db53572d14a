package wire

// Message kind tags. Each is namespaced by the component that owns it and
// versioned so the catalogue can evolve without breaking old clients.
const (
	KindHello      = "connection::hello/v1"
	KindLogin      = "connection::login/v1"
	KindLoginAck   = "connection::login_ack/v1"
	KindPing       = "connection::ping/v1"
	KindPong       = "connection::pong/v1"
	KindClientErr  = "connection::client_error/v1"
	KindClosed     = "connection::closed/v1"
	KindKeepalive  = "connection::keepalive/v1"

	KindCreate             = "room::create/v1"
	KindCreateAck          = "room::create_ack/v1"
	KindClose              = "room::close/v1"
	KindCloseAck            = "room::close_ack/v1"
	KindJoin                = "room::join/v1"
	KindJoinAck             = "room::join_ack/v1"
	KindLeave               = "room::leave/v1"
	KindLeaveAck            = "room::leave_ack/v1"
	KindRequestState        = "room::request_state/v1"
	KindState               = "room::state/v1"
	KindRoomDisconnected    = "room::disconnected/v1"
	KindRequestPermissions  = "room::request_permissions/v1"
	KindPermissions         = "room::permissions/v1"
	KindSetUserRole         = "room::set_user_role/v1"
	KindKickUser            = "room::kick_user/v1"

	KindRequestHost         = "playback::request_host/v1"
	KindHosting             = "playback::hosting/v1"
	KindRequestConnect      = "playback::request_connect/v1"
	KindConnected           = "playback::connected/v1"
	KindAvailable           = "playback::available/v1"
	KindRequestStart        = "playback::request_start/v1"
	KindStarted             = "playback::started/v1"
	KindSync                = "playback::sync/v1"
	KindRequestStop         = "playback::request_stop/v1"
	KindStopped             = "playback::stopped/v1"
	KindRequestDisconnect   = "playback::request_disconnect/v1"
	KindPlaybackDisconnected = "playback::disconnected/v1"
)

// --- Connection payloads ---

type HelloPayload struct {
	ProtocolVersion int    `json:"protocol_version" codec:"protocol_version"`
	Server          string `json:"server" codec:"server"`
}

type LoginPayload struct {
	ApiKey   *string `json:"api_key,omitempty" codec:"api_key,omitempty"`
	Username string  `json:"username" codec:"username"`
}

type LoginAckPayload struct {
	SessionId string `json:"session_id" codec:"session_id"`
}

type PingPayload struct{}

type PongPayload struct{}

type ClientErrorPayload struct {
	Message string `json:"message" codec:"message"`
}

// CloseReason enumerates the reasons a connection is closed.
type CloseReason string

const (
	CloseUnauthorized CloseReason = "Unauthorized"
	CloseServerError  CloseReason = "ServerError"
	CloseRoomClosed   CloseReason = "RoomClosed"
	CloseSessionClosed CloseReason = "SessionClosed"
	CloseTimeout       CloseReason = "Timeout"
	CloseUnknown       CloseReason = "Unknown"
)

type ClosedPayload struct {
	Reason  CloseReason `json:"reason" codec:"reason"`
	Message string      `json:"message" codec:"message"`
}

type KeepalivePayload struct{}

// --- Room payloads ---

type CreatePayload struct {
	Name     string `json:"name" codec:"name"`
	Password string `json:"password" codec:"password"`
}

type CreateAckPayload struct {
	RoomId string `json:"room_id" codec:"room_id"`
}

type ClosePayload struct{}

type CloseAckPayload struct{}

type JoinPayload struct {
	Id       string `json:"id" codec:"id"`
	Password string `json:"password" codec:"password"`
}

type JoinAckPayload struct {
	RoomId string `json:"room_id" codec:"room_id"`
}

type LeavePayload struct{}

type LeaveAckPayload struct{}

type RequestStatePayload struct{}

// RoomUserData is the wire projection of one room member.
type RoomUserData struct {
	SessionId       string `json:"session_id" codec:"session_id"`
	Name            string `json:"name" codec:"name"`
	Role            string `json:"role" codec:"role"`
	IsAudioEnabled  bool   `json:"is_audio_enabled" codec:"is_audio_enabled"`
}

type PlaybackSourceData struct {
	Title        string `json:"title" codec:"title"`
	PageHref     string `json:"page_href" codec:"page_href"`
	FrameHref    string `json:"frame_href" codec:"frame_href"`
	ElementQuery string `json:"element_query" codec:"element_query"`
}

type PlaybackInfoData struct {
	HostName string              `json:"host_name" codec:"host_name"`
	Source   *PlaybackSourceData `json:"source,omitempty" codec:"source,omitempty"`
}

type StatePayload struct {
	Id             string            `json:"id" codec:"id"`
	Name           string            `json:"name" codec:"name"`
	Password       string            `json:"password" codec:"password"`
	PlaybackInfo   *PlaybackInfoData `json:"playback_info,omitempty" codec:"playback_info,omitempty"`
	Users          []RoomUserData    `json:"users" codec:"users"`
}

// RoomDisconnectReason enumerates the room::disconnected reasons.
type RoomDisconnectReason string

const (
	RoomDisconnectedClosedByHost RoomDisconnectReason = "ClosedByHost"
	RoomDisconnectedServerError  RoomDisconnectReason = "ServerError"
	RoomDisconnectedUnauthorized RoomDisconnectReason = "Unauthorized"
)

type RoomDisconnectedPayload struct {
	Reason RoomDisconnectReason `json:"reason" codec:"reason"`
}

type RequestPermissionsPayload struct{}

type PermissionsPayload struct {
	Role        string          `json:"role" codec:"role"`
	Permissions UserPermissions `json:"permissions" codec:"permissions"`
}

// UserPermissions is the wire projection of the fixed per-role permission set.
type UserPermissions struct {
	CanHost     bool `json:"can_host" codec:"can_host"`
	CanSetRoles bool `json:"can_set_roles" codec:"can_set_roles"`
	CanKick     bool `json:"can_kick" codec:"can_kick"`
	CanClose    bool `json:"can_close" codec:"can_close"`
}

type SetUserRolePayload struct {
	UserId string `json:"user_id" codec:"user_id"`
	Role   string `json:"role" codec:"role"`
}

type KickUserPayload struct {
	UserId string `json:"user_id" codec:"user_id"`
}

// --- Playback payloads ---

type RequestHostPayload struct{}

type HostingPayload struct{}

type RequestConnectPayload struct{}

type ConnectedPayload struct{}

type AvailablePayload struct {
	Info PlaybackInfoData `json:"info" codec:"info"`
}

type RequestStartPayload struct {
	Source PlaybackSourceData `json:"source" codec:"source"`
}

type StartedPayload struct{}

// PlaybackStateData is the wire projection of one playback-position assertion.
type PlaybackStateData struct {
	Timestamp uint64  `json:"timestamp" codec:"timestamp"`
	Playing   bool    `json:"playing" codec:"playing"`
	Time      float32 `json:"time" codec:"time"`
}

type SyncPayload struct {
	State PlaybackStateData `json:"state" codec:"state"`
}

type RequestStopPayload struct{}

// StopReason enumerates the playback stop reasons.
type StopReason string

const (
	StopHostError      StopReason = "HostError"
	StopStoppedByHost  StopReason = "StoppedByHost"
	StopSuperseded     StopReason = "Superseded"
)

type StoppedPayload struct {
	Reason StopReason `json:"reason" codec:"reason"`
}

type RequestDisconnectPayload struct{}

// PlaybackDisconnectReason enumerates the playback disconnect reasons. When
// Reason is "Stopped", StopReason carries the reason the playback stopped.
type PlaybackDisconnectReason string

const (
	PlaybackDisconnectedUser            PlaybackDisconnectReason = "User"
	PlaybackDisconnectedStopped         PlaybackDisconnectReason = "Stopped"
	PlaybackDisconnectedSubscriberError PlaybackDisconnectReason = "SubscriberError"
)

type PlaybackDisconnectedPayload struct {
	Reason     PlaybackDisconnectReason `json:"reason" codec:"reason"`
	StopReason StopReason               `json:"stop_reason,omitempty" codec:"stop_reason,omitempty"`
}

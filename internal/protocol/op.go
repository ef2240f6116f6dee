package protocol

import "strconv"

// Op 标识一条消息的类型，写在每帧的固定头部。
//
// 客户端发往服务端的消息使用 1~99，服务端发往客户端的消息使用 101~199。
type Op uint16

const (
	OpAuthResponse Op = 1
	OpLogin        Op = 2
	OpListChannels Op = 3
	OpJoinChannel  Op = 4
	OpSendMessage  Op = 5
	OpQuit         Op = 6
	OpGetHistory   Op = 7
	OpLeaveChannel Op = 8

	OpAuthChallenge Op = 101
	OpAuthResult    Op = 102
	OpLoginResult   Op = 103
	OpChannelList   Op = 104
	OpJoinResult    Op = 105
	OpBroadcast     Op = 106
	OpError         Op = 107
	OpHistory       Op = 108
	OpUserJoined    Op = 109
	OpUserLeft      Op = 110
	OpSystem        Op = 111
)

var opNames = map[Op]string{
	OpAuthResponse:  "AuthResponse",
	OpLogin:         "Login",
	OpListChannels:  "ListChannels",
	OpJoinChannel:   "JoinChannel",
	OpSendMessage:   "SendMessage",
	OpQuit:          "Quit",
	OpGetHistory:    "GetHistory",
	OpLeaveChannel:  "LeaveChannel",
	OpAuthChallenge: "AuthChallenge",
	OpAuthResult:    "AuthResult",
	OpLoginResult:   "LoginResult",
	OpChannelList:   "ChannelList",
	OpJoinResult:    "JoinResult",
	OpBroadcast:     "Broadcast",
	OpError:         "Error",
	OpHistory:       "History",
	OpUserJoined:    "UserJoined",
	OpUserLeft:      "UserLeft",
	OpSystem:        "System",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "Op(" + strconv.Itoa(int(o)) + ")"
}

// Known 判断 o 是否为已定义的消息类型。
func (o Op) Known() bool {
	_, ok := opNames[o]
	return ok
}

// IsClient 判断 o 是否属于客户端发往服务端的消息族。
func (o Op) IsClient() bool {
	return o.Known() && o < 100
}

// IsServer 判断 o 是否属于服务端发往客户端的消息族。
func (o Op) IsServer() bool {
	return o.Known() && o > 100
}

package protocol

// Message 是所有协议消息的公共接口，Op 决定帧头中的消息类型。
type Message interface {
	Op() Op
}

// Envelope 是一条被服务端接收并分配了 id 与时间戳的频道消息，创建后不可修改。
type Envelope struct {
	ID uint64 `json:"id"`
	// Timestamp 为服务端接收时间，Unix 毫秒。
	Timestamp int64  `json:"ts"`
	Sender    string `json:"sender"`
	Channel   string `json:"channel"`
	// Payload 对服务端不透明，不做任何解析或转换。
	Payload []byte `json:"payload"`
}

// 客户端 -> 服务端

type AuthResponse struct {
	Secret []byte `json:"secret"`
}

type Login struct {
	Username string `json:"username"`
}

type ListChannels struct{}

// JoinChannel 加入频道，频道不存在时创建。Password 为 nil 或空串表示不带密码。
type JoinChannel struct {
	Name     string  `json:"name"`
	Password *string `json:"password,omitempty"`
}

type SendMessage struct {
	Payload []byte `json:"payload"`
}

type Quit struct{}

// GetHistory 拉取频道最近的 Limit 条消息，Limit 为 0 时取加入时快照的条数。
type GetHistory struct {
	Channel string `json:"channel"`
	Limit   uint32 `json:"limit,omitempty"`
}

type LeaveChannel struct{}

// 服务端 -> 客户端

// AuthChallenge 在连接建立后立即下发。
type AuthChallenge struct {
	Nonce   string `json:"nonce"`
	Version string `json:"version"`
	Message string `json:"message,omitempty"`
}

type AuthResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type LoginResult struct {
	Success   bool   `json:"success"`
	SessionID uint64 `json:"session_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ChannelList 中的频道名按字典序排列。
type ChannelList struct {
	Channels []string `json:"channels"`
}

// JoinResult 成功时 History 为频道最近的若干条消息，按时间先后排列。
type JoinResult struct {
	Success bool       `json:"success"`
	Channel string     `json:"channel"`
	History []Envelope `json:"history"`
	Reason  string     `json:"reason,omitempty"`
}

type Broadcast struct {
	Envelope Envelope `json:"envelope"`
}

// Error 中的 Kind 为稳定的机器可读类别，Text 面向用户。
type Error struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type History struct {
	Channel   string     `json:"channel"`
	Envelopes []Envelope `json:"envelopes"`
}

type UserJoined struct {
	Channel  string `json:"channel"`
	Username string `json:"username"`
}

type UserLeft struct {
	Channel  string `json:"channel"`
	Username string `json:"username"`
}

type System struct {
	Text string `json:"text"`
}

func (*AuthResponse) Op() Op  { return OpAuthResponse }
func (*Login) Op() Op         { return OpLogin }
func (*ListChannels) Op() Op  { return OpListChannels }
func (*JoinChannel) Op() Op   { return OpJoinChannel }
func (*SendMessage) Op() Op   { return OpSendMessage }
func (*Quit) Op() Op          { return OpQuit }
func (*GetHistory) Op() Op    { return OpGetHistory }
func (*LeaveChannel) Op() Op  { return OpLeaveChannel }
func (*AuthChallenge) Op() Op { return OpAuthChallenge }
func (*AuthResult) Op() Op    { return OpAuthResult }
func (*LoginResult) Op() Op   { return OpLoginResult }
func (*ChannelList) Op() Op   { return OpChannelList }
func (*JoinResult) Op() Op    { return OpJoinResult }
func (*Broadcast) Op() Op     { return OpBroadcast }
func (*Error) Op() Op         { return OpError }
func (*History) Op() Op       { return OpHistory }
func (*UserJoined) Op() Op    { return OpUserJoined }
func (*UserLeft) Op() Op      { return OpUserLeft }
func (*System) Op() Op        { return OpSystem }

// New 按 op 创建一个零值消息，用于解码。未知 op 返回 nil。
func New(op Op) Message {
	switch op {
	case OpAuthResponse:
		return &AuthResponse{}
	case OpLogin:
		return &Login{}
	case OpListChannels:
		return &ListChannels{}
	case OpJoinChannel:
		return &JoinChannel{}
	case OpSendMessage:
		return &SendMessage{}
	case OpQuit:
		return &Quit{}
	case OpGetHistory:
		return &GetHistory{}
	case OpLeaveChannel:
		return &LeaveChannel{}
	case OpAuthChallenge:
		return &AuthChallenge{}
	case OpAuthResult:
		return &AuthResult{}
	case OpLoginResult:
		return &LoginResult{}
	case OpChannelList:
		return &ChannelList{}
	case OpJoinResult:
		return &JoinResult{}
	case OpBroadcast:
		return &Broadcast{}
	case OpError:
		return &Error{}
	case OpHistory:
		return &History{}
	case OpUserJoined:
		return &UserJoined{}
	case OpUserLeft:
		return &UserLeft{}
	case OpSystem:
		return &System{}
	default:
		return nil
	}
}

// PasswordOrEmpty 返回 JoinChannel 中携带的密码，未携带时为空串。
func (m *JoinChannel) PasswordOrEmpty() string {
	if m.Password == nil {
		return ""
	}
	return *m.Password
}

package relay

import (
	"crypto/sha256"
	"crypto/subtle"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

// HandshakeState 为连接认证状态机的状态。
type HandshakeState int32

const (
	StateConnected HandshakeState = iota
	StateChallengeSent
	StateAuthenticated
	StateRejected
)

func (s HandshakeState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateChallengeSent:
		return "challenge_sent"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

// Handshake 为单个连接的认证状态机：
//
//	Connected -> ChallengeSent -> Authenticated
//	                           -> Rejected
//
// 每个连接只接受一次 AuthResponse，失败或超时后进入 Rejected，不允许重试。
type Handshake struct {
	state  atomic.Int32
	nonce  string
	digest [sha256.Size]byte
}

// NewHandshake 创建状态机，secret 为服务端配置的接入密钥。
func NewHandshake(secret []byte) *Handshake {
	return &Handshake{
		nonce:  uuid.NewString(),
		digest: sha256.Sum256(secret),
	}
}

func (h *Handshake) State() HandshakeState {
	return HandshakeState(h.state.Load())
}

func (h *Handshake) Authenticated() bool {
	return h.State() == StateAuthenticated
}

func (h *Handshake) Nonce() string {
	return h.nonce
}

// Challenge 生成 AuthChallenge 并进入 ChallengeSent，只能调用一次。
func (h *Handshake) Challenge() (*protocol.AuthChallenge, error) {
	if !h.state.CompareAndSwap(int32(StateConnected), int32(StateChallengeSent)) {
		return nil, merr.WrapErrUnexpectedMessage(protocol.OpAuthChallenge, "challenge already sent")
	}
	return &protocol.AuthChallenge{
		Nonce:   h.nonce,
		Version: protocol.Version,
		Message: "special auth key required",
	}, nil
}

// Verify 校验客户端提交的密钥。
//
// 两侧先各自做 SHA-256 再做常量时间比较，比较耗时与密钥内容及长度无关。
func (h *Handshake) Verify(secret []byte) error {
	if h.State() != StateChallengeSent {
		return merr.WrapErrUnexpectedMessage(protocol.OpAuthResponse, "handshake state "+h.State().String())
	}
	got := sha256.Sum256(secret)
	if subtle.ConstantTimeCompare(got[:], h.digest[:]) == 1 {
		if h.state.CompareAndSwap(int32(StateChallengeSent), int32(StateAuthenticated)) {
			return nil
		}
	} else if h.state.CompareAndSwap(int32(StateChallengeSent), int32(StateRejected)) {
		return merr.WrapErrAuthRejected()
	}
	// 与超时并发时以先到者为准。
	return merr.WrapErrUnexpectedMessage(protocol.OpAuthResponse, "handshake state "+h.State().String())
}

// Expire 在握手超时时调用，仍处于 ChallengeSent 时进入 Rejected 并返回 true。
func (h *Handshake) Expire() bool {
	return h.state.CompareAndSwap(int32(StateChallengeSent), int32(StateRejected))
}

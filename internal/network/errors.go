package network

import "github.com/cockroachdb/errors"

// Stage 表示网络收发链路中的处理阶段。
//
// 主要用于在回调中标记错误发生的位置，便于监控与排查。
type Stage string

const (
	StageHandshake Stage = "handshake" // 传输层握手（WebSocket 升级）
	StageRecvRaw   Stage = "recv_raw"  // 从底层连接读取字节
	StageDecode    Stage = "decode"    // 字节 -> 帧 -> 消息
	StageDispatch  Stage = "dispatch"  // 消息 -> 业务处理
	StageEncode    Stage = "encode"    // 消息 -> 帧字节
	StageSend      Stage = "send"      // 写入底层连接
)

// 统一的错误码常量，用于日志/监控中的稳定字符串。
const (
	ErrCodeHandshakeFailed = "network:handshake_failed"
	ErrCodeRecvFailed      = "network:recv_failed"
	ErrCodeDecodeFailed    = "network:decode_failed"
	ErrCodeDispatchFailed  = "network:dispatch_failed"
	ErrCodeEncodeFailed    = "network:encode_failed"
	ErrCodeSendFailed      = "network:send_failed"
)

var (
	ErrHandshakeFailed = errors.New(ErrCodeHandshakeFailed)
	ErrRecvFailed      = errors.New(ErrCodeRecvFailed)
	ErrDecodeFailed    = errors.New(ErrCodeDecodeFailed)
	ErrDispatchFailed  = errors.New(ErrCodeDispatchFailed)
	ErrEncodeFailed    = errors.New(ErrCodeEncodeFailed)
	ErrSendFailed      = errors.New(ErrCodeSendFailed)
)

// StageError 将底层错误与发生阶段绑定，errors.Is 同时匹配阶段哨兵错误与底层错误。
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() []error {
	return []error{stageSentinel(e.Stage), e.Err}
}

// WrapStage 为 err 标记发生阶段，err 为 nil 时返回 nil。
func WrapStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

func stageSentinel(stage Stage) error {
	switch stage {
	case StageHandshake:
		return ErrHandshakeFailed
	case StageRecvRaw:
		return ErrRecvFailed
	case StageDecode:
		return ErrDecodeFailed
	case StageDispatch:
		return ErrDispatchFailed
	case StageEncode:
		return ErrEncodeFailed
	default:
		return ErrSendFailed
	}
}

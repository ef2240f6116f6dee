package relay

import (
	"go.uber.org/zap"

	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/log"
	"github.com/lk2023060901/darkrelay-go/pkg/metrics"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

// Dispatcher 处理 SendMessage：校验大小后交给 ChannelStore 追加并扇出。
type Dispatcher struct {
	store          *ChannelStore
	maxPayloadSize int
}

func NewDispatcher(store *ChannelStore, maxPayloadSize int) *Dispatcher {
	return &Dispatcher{store: store, maxPayloadSize: maxPayloadSize}
}

// Send 以 sender 的身份向其当前频道广播 payload。
func (d *Dispatcher) Send(sender *Member, payload []byte) (protocol.Envelope, error) {
	if len(payload) > d.maxPayloadSize {
		return protocol.Envelope{}, merr.WrapErrPayloadTooLarge(len(payload), d.maxPayloadSize)
	}
	env, err := d.store.Publish(sender, payload)
	if err != nil {
		return env, err
	}
	metrics.BroadcastsTotal.Inc()
	metrics.BroadcastPayloadSize.Observe(float64(len(payload)))
	return env, nil
}

// deliver 向单个会话投递消息。失败只记录，不影响其他会话：
// 队列已满的会话会被 session 层断开，已关闭的会话随后会被注销。
func deliver(m *Member, msg protocol.Message) {
	err := m.Deliver(msg)
	if err == nil {
		return
	}
	metrics.DeliveryFailures.WithLabelValues(merr.Kind(err)).Inc()
	log.RatedWarn(1, "drop delivery",
		log.FieldSession(m.ID),
		log.FieldUser(m.Username),
		zap.Stringer("op", msg.Op()),
		zap.Error(err))
}

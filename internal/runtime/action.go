package runtime

import (
	"time"

	"github.com/nugget/loom/internal/loomevent"
)

// Action is what agent behavior returns from OnEvent: a request to
// invoke one capability through the Broker (spec §4.4 "Action
// execution").
type Action struct {
	Capability    string
	Arguments     []byte
	Priority      int // 0-100, see priorityToQoS
	CorrelationID string
	Timeout       time.Duration
}

const (
	priorityRealtimeFloor = 70
	priorityBatchedFloor  = 30
)

// priorityToQoS maps an action's priority to the QoS used when the
// runtime republishes its result (spec §4.4 "QoS derived from
// priority: >=70 Realtime, 30-69 Batched, <30 Background").
func priorityToQoS(priority int) loomevent.QoS {
	switch {
	case priority >= priorityRealtimeFloor:
		return loomevent.Realtime
	case priority >= priorityBatchedFloor:
		return loomevent.Batched
	default:
		return loomevent.Background
	}
}

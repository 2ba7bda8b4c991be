// Command mtpcore-demo wires up the orchestrator against in-memory fake
// sessions and dc centers, since real transport and TL encoding are
// outside this module's scope.
package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/mtpcore"
	"github.com/dep2p/mtpcore/internal/core/dcid"
	"github.com/dep2p/mtpcore/pkg/events"
	"github.com/dep2p/mtpcore/pkg/interfaces"
	"github.com/dep2p/mtpcore/pkg/lib/eventbus"
	"github.com/dep2p/mtpcore/pkg/lib/metrics"
)

// memSession is a toy Session that hands every send to its onSend hook;
// the demo's hook answers on a goroutine, simulating network latency.
type memSession struct {
	mu      sync.Mutex
	shifted dcid.ShiftedDcId
	state   interfaces.SessionState
	onSend  func(payload *interfaces.Request)
}

func (s *memSession) Start()            {}
func (s *memSession) Stop()             {}
func (s *memSession) Kill()             {}
func (s *memSession) Restart()          {}
func (s *memSession) ReInitConnection() {}
func (s *memSession) Unpaused()         {}
func (s *memSession) Ping()             {}
func (s *memSession) RefreshOptions()   {}
func (s *memSession) Transport() string { return "memory" }

func (s *memSession) SendPrepared(payload *interfaces.Request, _ time.Duration) {
	if s.onSend != nil {
		s.onSend(payload)
	}
}

func (s *memSession) Cancel(requestId int32, msgId int64) {}

func (s *memSession) RequestState(requestId int32) interfaces.SessionState {
	return interfaces.StateSent
}
func (s *memSession) GetState() interfaces.SessionState { return interfaces.StateSent }
func (s *memSession) GetDcWithShift() dcid.ShiftedDcId  { return s.shifted }

type memDcenter struct {
	dc dcid.DcId
}

func (d *memDcenter) DcId() dcid.DcId                  { return d.dc }
func (d *memDcenter) Key() interfaces.PersistentKey    { return nil }
func (d *memDcenter) DestroyConfirmedForgottenKey(uint64) bool { return true }

type noopCodec struct{}

func (noopCodec) EncodeExportAuthorization(dc dcid.DcId) []byte { return nil }
func (noopCodec) DecodeExportedAuthorization(body []byte) (int64, []byte, bool) {
	return 0, nil, false
}
func (noopCodec) EncodeImportAuthorization(exportedId int64, data []byte) []byte { return nil }

func main() {
	var eng *mtpcore.Engine

	collector := metrics.New(prometheus.NewRegistry())
	bus := eventbus.New()

	eng, err := mtpcore.New(
		func(shifted dcid.ShiftedDcId, dc interfaces.Dcenter) interfaces.Session {
			sess := &memSession{shifted: shifted}
			sess.onSend = func(payload *interfaces.Request) {
				if string(payload.Body) == "getNearestDc" {
					go eng.ExecError(payload.RequestId, interfaces.RPCError{Type: "API_ID_INVALID", Code: 400})
					return
				}
				go eng.ExecResult(payload.RequestId, []byte("ok"))
			}
			return sess
		},
		func(id dcid.DcId, key interfaces.PersistentKey) interfaces.Dcenter {
			return &memDcenter{dc: id}
		},
		noopCodec{},
		mtpcore.WithMainDcId(2),
		mtpcore.WithMetrics(collector),
		mtpcore.WithEventBus(bus),
	)
	if err != nil {
		fmt.Println("failed to start engine:", err)
		return
	}
	defer eng.Close()

	sub, err := eng.Subscribe(new(events.DcTemporaryKeyChanged))
	if err != nil {
		fmt.Println("failed to subscribe:", err)
		return
	}
	defer sub.Close()
	go func() {
		for evt := range sub.Out() {
			fmt.Printf("event: %#v\n", evt)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	eng.Send(&interfaces.Request{Body: []byte("getConfig")}, interfaces.Callbacks{
		OnDone: func(requestId int32, result []byte) bool {
			fmt.Printf("request %d completed\n", requestId)
			wg.Done()
			return true
		},
	}, 0, 0, false, 0)

	// A second request whose session reports an error instead of a
	// result, exercising ExecError's path into the caller's onFail.
	eng.Send(&interfaces.Request{Body: []byte("getNearestDc")}, interfaces.Callbacks{
		OnFail: func(requestId int32, err interfaces.RPCError) bool {
			fmt.Printf("request %d failed: %s\n", requestId, err.Type)
			wg.Done()
			return true
		},
	}, 0, 0, false, 0)

	wg.Wait()
	_ = context.Background()
}

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/signalsfoundry/gridtwin/internal/logging"
)

// Subjects names the NATS subjects used for each message stream.
type Subjects struct {
	Signals     string
	Assignments string
	Notices     string
	PowerFlow   string
	Vehicles    string
}

// DefaultSubjects returns the subject layout under the "grid." prefix.
func DefaultSubjects() Subjects {
	return Subjects{
		Signals:     "grid.traffic.signals",
		Assignments: "grid.charging.assignments",
		Notices:     "grid.charging.notices",
		PowerFlow:   "grid.powerflow.substations",
		Vehicles:    "grid.traffic.vehicles",
	}
}

// NATSConfig holds connection settings.
type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
	Subjects       Subjects
}

type publisher interface {
	Publish(subject string, data []byte) error
}

type subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATS implements TrafficSink, PowerFlowSource and VehicleSource over one
// connection. Publish only buffers the message in the client, so the
// simulation loop is never held up by the broker.
type NATS struct {
	conn     *nats.Conn
	pub      publisher
	sub      subscriber
	subjects Subjects
	log      logging.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// DialNATS connects to the broker.
func DialNATS(cfg NATSConfig, log logging.Logger) (*NATS, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is empty")
	}
	log = logging.OrNoop(log).With(logging.String("component", "bridge"))
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn(context.Background(), "nats disconnected", logging.Err(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info(context.Background(), "nats reconnected", logging.String("url", nc.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	n := newNATS(conn, conn, cfg.Subjects, log)
	n.conn = conn
	return n, nil
}

func newNATS(pub publisher, sub subscriber, subjects Subjects, log logging.Logger) *NATS {
	def := DefaultSubjects()
	if subjects.Signals == "" {
		subjects.Signals = def.Signals
	}
	if subjects.Assignments == "" {
		subjects.Assignments = def.Assignments
	}
	if subjects.Notices == "" {
		subjects.Notices = def.Notices
	}
	if subjects.PowerFlow == "" {
		subjects.PowerFlow = def.PowerFlow
	}
	if subjects.Vehicles == "" {
		subjects.Vehicles = def.Vehicles
	}
	return &NATS{pub: pub, sub: sub, subjects: subjects, log: logging.OrNoop(log)}
}

func (n *NATS) publish(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := n.pub.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (n *NATS) PublishSignals(_ context.Context, frame SignalFrame) error {
	return n.publish(n.subjects.Signals, frame)
}

func (n *NATS) PublishAssignment(_ context.Context, cmd AssignmentCommand) error {
	return n.publish(n.subjects.Assignments, cmd)
}

func (n *NATS) PublishNotice(_ context.Context, notice ChargingNotice) error {
	return n.publish(n.subjects.Notices, notice)
}

// SubscribePowerFlow decodes SubstationStatus messages. Malformed
// messages are logged and dropped.
func (n *NATS) SubscribePowerFlow(ctx context.Context, fn func(SubstationStatus)) error {
	return n.subscribe(ctx, n.subjects.PowerFlow, func(data []byte) error {
		st, err := decodeSubstationStatus(data)
		if err != nil {
			return err
		}
		fn(st)
		return nil
	})
}

// SubscribeVehicles decodes VehicleBatch messages.
func (n *NATS) SubscribeVehicles(ctx context.Context, fn func(VehicleBatch)) error {
	return n.subscribe(ctx, n.subjects.Vehicles, func(data []byte) error {
		var batch VehicleBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("decode vehicle batch: %w", err)
		}
		fn(batch)
		return nil
	})
}

func (n *NATS) subscribe(ctx context.Context, subject string, handle func([]byte) error) error {
	sub, err := n.sub.Subscribe(subject, func(msg *nats.Msg) {
		if err := handle(msg.Data); err != nil {
			n.log.Warn(ctx, "dropping malformed message", logging.String("subject", subject), logging.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	if sub != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Unsubscribe()
		}()
	}
	return nil
}

func decodeSubstationStatus(data []byte) (SubstationStatus, error) {
	var st SubstationStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return SubstationStatus{}, fmt.Errorf("decode substation status: %w", err)
	}
	if st.ID == "" {
		return SubstationStatus{}, errors.New("substation status without id")
	}
	return st, nil
}

// Close drains subscriptions and closes the connection.
func (n *NATS) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

package natsx

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"NWChat/logger"
)

// Relay carries delivery frames between gateway nodes. Each node
// subscribes to its own subject; the router publishes to the subject
// of whichever node presence says the recipient is connected to.
type Relay struct {
	nc   *nats.Conn
	gwID string
	sub  *nats.Subscription
}

// Envelope is the relayed unit: the target user plus the encoded
// frame, so the receiving node can fan out locally without re-routing.
type Envelope struct {
	UserID string `json:"user_id"`
	Frame  []byte `json:"frame"`
}

func subjectFor(gatewayID string) string { return "nw.gateway." + gatewayID }

func NewRelay(url, gatewayID string) (*Relay, error) {
	nc, err := nats.Connect(url,
		nats.Name("nwchat-gateway-"+gatewayID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Relay{nc: nc, gwID: gatewayID}, nil
}

// Publish sends an envelope to another gateway node.
func (r *Relay) Publish(targetGatewayID string, env Envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return r.nc.Publish(subjectFor(targetGatewayID), data)
}

// Subscribe starts consuming this node's subject. The handler runs on
// the NATS delivery goroutine; it must only enqueue, never block.
func (r *Relay) Subscribe(handler func(Envelope)) error {
	sub, err := r.nc.Subscribe(subjectFor(r.gwID), func(m *nats.Msg) {
		env, err := decodeEnvelope(m.Data)
		if err != nil {
			logger.Warnf("[relay] drop malformed envelope: %v", err)
			return
		}
		handler(env)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	r.sub = sub
	return nil
}

func (r *Relay) Close() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.nc != nil {
		r.nc.Close()
	}
}

func (r *Relay) GatewayID() string { return r.gwID }

// Package radio defines the contract between the delivery core and the
// platform radio driver. The driver starts and stops broadcasts, opens
// connections and discovers remote capabilities; the core only reacts to the
// outcomes reported here.
package radio

import (
	"context"
)

// Adapter is the platform radio as seen by the core
type Adapter interface {
	Broadcaster
	Connector

	// OnReceive registers the single receive callback, invoked once per
	// received broadcast unit.
	OnReceive(fn func(frame []byte, from string))

	// OnRadioState registers a callback for whole-radio power changes
	OnRadioState(fn func(enabled bool))

	// MaxPayload returns the data bytes one broadcast unit can carry
	MaxPayload() int
}

// Broadcaster owns the single shared broadcast resource
type Broadcaster interface {
	// Transmit starts broadcasting frame. A nil return means the broadcast
	// started; failures are *TransmitError.
	Transmit(ctx context.Context, frame []byte) error
	StopTransmit()
}

// Connector manages direct sessions with peers
type Connector interface {
	// Connect starts a connection attempt. The returned stream carries the
	// lifecycle of this connection and is closed when it ends.
	Connect(ctx context.Context, addr string) (<-chan ConnEvent, error)

	// DiscoverServices asks the peer for its capabilities; the result arrives
	// as an EventServicesDiscovered on the connection stream.
	DiscoverServices(addr string) error

	Disconnect(addr string)

	Subscribe(ctx context.Context, addr, serviceUUID, charUUID string) error
}

// ConnEventType enumerates connection lifecycle events
type ConnEventType int

const (
	EventConnecting ConnEventType = iota
	EventConnected
	EventServicesDiscovered
	EventDisconnected
)

func (t ConnEventType) String() string {
	switch t {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventServicesDiscovered:
		return "services_discovered"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnEvent is one entry on a connection stream
type ConnEvent struct {
	Type     ConnEventType
	Services []Service // EventServicesDiscovered
	Reason   error     // EventDisconnected; nil for a clean close
}

// Service is a discovered remote service
type Service struct {
	UUID            string           `json:"uuid"`
	Characteristics []Characteristic `json:"characteristics"`
}

// Characteristic is a discovered remote characteristic. Handle is assigned
// per connection and must not be relied on across reconnects.
type Characteristic struct {
	UUID   string `json:"uuid"`
	Handle uint16 `json:"handle"`
	Notify bool   `json:"notify"`
}

// FindCharacteristic resolves a characteristic by UUID in a discovery result
func FindCharacteristic(services []Service, serviceUUID, charUUID string) (*Characteristic, bool) {
	for _, svc := range services {
		if svc.UUID != serviceUUID {
			continue
		}
		for i := range svc.Characteristics {
			if svc.Characteristics[i].UUID == charUUID {
				c := svc.Characteristics[i]
				return &c, true
			}
		}
	}
	return nil, false
}

package flowbalance

import "github.com/arc-self/happen/transport"

// TransportSource adapts a *transport.Client to TelemetrySource, so the
// monitor can poll live JetStream consumer telemetry without the
// transport package needing to know about Flow-Balance's metric shape.
type TransportSource struct {
	Client *transport.Client
}

// ListConsumers implements TelemetrySource.
func (s TransportSource) ListConsumers(stream string) ([]string, error) {
	return s.Client.ListConsumers(stream)
}

// ConsumerInfo implements TelemetrySource.
func (s TransportSource) ConsumerInfo(stream, durable string) (ConsumerSnapshot, error) {
	info, err := s.Client.ConsumerInfo(stream, durable)
	if err != nil {
		return ConsumerSnapshot{}, err
	}
	return ConsumerSnapshot{
		Name:            info.Name,
		Delivered:       info.DeliveredSeq,
		AckFloor:        info.AckFloorSeq,
		NumPending:      info.NumPending,
		NumRedelivered:  info.NumRedelivered,
		CreatedUnixSecs: info.CreatedUnixSecs,
	}, nil
}

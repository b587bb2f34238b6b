package starter

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"
)

// countAccepted counts every connection l accepts under the listener type label.
func countAccepted(network string, l net.Listener, connTotal *prometheus.CounterVec) net.Listener {
	return &acceptCounter{Listener: l, accepted: connTotal.WithLabelValues(network)}
}

type acceptCounter struct {
	net.Listener
	accepted prometheus.Counter
}

func (ac *acceptCounter) Accept() (net.Conn, error) {
	conn, err := ac.Listener.Accept()
	if err != nil {
		return nil, err
	}

	ac.accepted.Inc()
	return conn, nil
}

package hosts

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the standard AMQP port used when a host entry carries none.
const DefaultPort uint = 5672

// Policy selects the order in which candidate hosts are visited in a cycle.
type Policy string

const (
	// Ordered always starts a cycle from the first configured host.
	Ordered Policy = "ordered"

	// Random visits every host once per cycle in a freshly shuffled order.
	Random Policy = "random"

	// RoundRobin starts each cycle right after the host that last succeeded.
	RoundRobin Policy = "round-robin"
)

var (
	// ErrNoHosts is returned when a strategy is created without candidates.
	ErrNoHosts = errors.New("no broker hosts configured")

	// ErrUnknownPolicy is returned for an unsupported selection policy.
	ErrUnknownPolicy = errors.New("unknown host selection policy")
)

// Host is a single broker endpoint.
type Host struct {
	// Name is the hostname or IP address of the broker
	Name string

	// Port is the AMQP port of the broker
	Port uint
}

// Address returns the host in "name:port" form.
func (h Host) Address() string {
	return net.JoinHostPort(h.Name, strconv.FormatUint(uint64(h.Port), 10))
}

func (h Host) String() string {
	return h.Address()
}

// ParseHost parses "name" or "name:port". When no port is given defaultPort is used.
func ParseHost(s string, defaultPort uint) (Host, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Host{}, fmt.Errorf("invalid host %q: empty", s)
	}

	name, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// no port present
		return Host{Name: strings.Trim(s, "[]"), Port: defaultPort}, nil
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Host{}, fmt.Errorf("invalid port in host %q: %w", s, err)
	}
	return Host{Name: name, Port: uint(port)}, nil
}

// ParseHosts parses a list of host entries, see ParseHost.
func ParseHosts(entries []string, defaultPort uint) ([]Host, error) {
	out := make([]Host, 0, len(entries))
	for _, e := range entries {
		h, err := ParseHost(e, defaultPort)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

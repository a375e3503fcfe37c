// Package session holds the shared, mostly-immutable value objects that a
// data-flow stage is configured with: the caller's Session context and the
// remote Endpoint it is told to reach.
package session

import "fmt"

// Preference selects which address family a Resolver should prefer.
type Preference int

const (
	IPv4Only Preference = iota
	IPv6Only
	IPv4OrIPv6
	IPv6OrIPv4
	Any
)

func (p Preference) String() string {
	switch p {
	case IPv4Only:
		return "IPv4Only"
	case IPv6Only:
		return "IPv6Only"
	case IPv4OrIPv6:
		return "IPv4OrIPv6"
	case IPv6OrIPv4:
		return "IPv6OrIPv4"
	case Any:
		return "Any"
	default:
		return "Unknown"
	}
}

// ParsePreference maps the config/flag spelling of an address-family
// preference onto a Preference value.
func ParsePreference(s string) (Preference, error) {
	switch s {
	case "ipv4only":
		return IPv4Only, nil
	case "ipv6only":
		return IPv6Only, nil
	case "ipv4or6":
		return IPv4OrIPv6, nil
	case "ipv6or4":
		return IPv6OrIPv4, nil
	case "any":
		return Any, nil
	default:
		return 0, fmt.Errorf("session: unknown preference %q", s)
	}
}

// Session is the shared, immutable request context a caller attaches to a
// flow: identity of the peer being reached and any dial/TLS options.
// It is held by shared reference and never mutated after creation.
type Session struct {
	ID            string
	ServerName    string // SNI / certificate validation name
	Preference    Preference
	InsecureSkip  bool // skip certificate verification; test/dev use only
	DialTimeoutMS int64
}

// Endpoint identifies the remote peer a flow connects to. It is shared and
// becomes immutable once Connect begins.
type Endpoint struct {
	Host      string
	Port      uint16
	Addresses []string // pre-resolved IPs; when empty, TCPFlow resolves Host itself without storing the result here
}

func (e Endpoint) String() string {
	if e.Port == 0 {
		return e.Host
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// WithAddresses returns a copy of the Endpoint carrying resolved addresses.
func (e Endpoint) WithAddresses(addrs []string) Endpoint {
	e.Addresses = addrs
	return e
}

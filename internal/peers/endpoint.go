package peers

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint identifies a source by scheme, host and port.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

// ParseEndpoint extracts the endpoint of rawURL. A missing port takes the
// scheme default.
func ParseEndpoint(rawURL string) (Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("peers: parse %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("peers: %q has no host", rawURL)
	}

	ep := Endpoint{
		Scheme: strings.ToLower(u.Scheme),
		Host:   strings.ToLower(u.Hostname()),
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("peers: bad port in %q: %w", rawURL, err)
		}
		ep.Port = port
	} else {
		switch ep.Scheme {
		case "https":
			ep.Port = 443
		default:
			ep.Port = 80
		}
	}
	return ep, nil
}

func (e Endpoint) String() string {
	return e.Scheme + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

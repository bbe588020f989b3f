package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/petervdpas/fieldlink/internal/proto"
)

var (
	ErrInvalidEndpoint = errors.New("invalid broker endpoint")
	ErrInvalidIdentity = errors.New("invalid device identity")
)

// Endpoint is a parsed broker address plus optional credentials.
type Endpoint struct {
	Scheme   string // "tcp" or "ssl"
	Host     string
	Port     int
	Username string
	Password string
}

// ParseEndpoint parses "tcp://host:port" or "ssl://host:port".
func ParseEndpoint(uri string) (Endpoint, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Endpoint{}, fmt.Errorf("%w: broker uri cannot be empty", ErrInvalidEndpoint)
	}
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || (scheme != "tcp" && scheme != "ssl") {
		return Endpoint{}, fmt.Errorf("%w: broker uri must start with tcp:// or ssl://", ErrInvalidEndpoint)
	}
	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: expected %s://host:port", ErrInvalidEndpoint, scheme)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: port %q is not a number", ErrInvalidEndpoint, portStr)
	}
	ep := Endpoint{Scheme: scheme, Host: strings.TrimSpace(host), Port: port}
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// Validate checks the scheme, host and port without touching the network.
func (e Endpoint) Validate() error {
	if e.Scheme != "tcp" && e.Scheme != "ssl" {
		return fmt.Errorf("%w: scheme must be tcp or ssl", ErrInvalidEndpoint)
	}
	if e.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalidEndpoint)
	}
	return nil
}

// URI renders the endpoint in the form the MQTT client expects.
func (e Endpoint) URI() string {
	return e.Scheme + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string { return e.URI() }

// ValidateIdentity checks a device identity against ^[A-Za-z0-9_-]{1,50}$.
func ValidateIdentity(id string) error {
	if !proto.ValidIdentity(id) {
		return fmt.Errorf("%w: %q (1-50 letters, digits, '_' or '-')", ErrInvalidIdentity, id)
	}
	return nil
}

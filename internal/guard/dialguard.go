package guard

import (
	"context"
	"fmt"
	"net"
)

// DialContext returns a dial function that classifies the destination again
// at connection time and connects to the address it just checked.
//
// This closes the window between SafeURL and the connection that an https
// target otherwise leaves open: a name that answered with a public address
// during validation and a private one at dial time is refused here.
func (v *Validator) DialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: dial address %q: %w", ErrInvalidURL, addr, err)
		}
		if v.bypassed(host) {
			return dialer.DialContext(ctx, network, addr)
		}

		ip, err := v.classify(ctx, host)
		if err != nil {
			v.logger.Warn("dial refused", "host", host, "address", ip, "kind", Kind(err))
			return nil, err
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
	}
}

package bundle

import (
	"net"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/wippyai/wasm-relay/errors"
)

// Route identifies a reachable sibling. It is recomputed on every lookup.
type Route struct {
	SocketPath      string
	FunctionName    string
	FunctionAddress string
}

// ParseAddress normalizes a target.address value to a dialable "host:port".
// Plain host:port values are returned unchanged; values starting with '/'
// are parsed as multiaddrs such as /ip4/10.0.0.5/tcp/9000.
func ParseAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", errors.InvalidInput(errors.PhaseDiscover, "empty function address")
	}

	if !strings.HasPrefix(addr, "/") {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return "", errors.New(errors.PhaseDiscover, errors.KindInvalidInput).
				Value(addr).
				Detail("function address must be host:port or a multiaddr").
				Cause(err).
				Build()
		}
		return addr, nil
	}

	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", errors.New(errors.PhaseDiscover, errors.KindInvalidInput).
			Value(addr).
			Detail("parse multiaddr").
			Cause(err).
			Build()
	}
	na, err := manet.ToNetAddr(maddr)
	if err != nil {
		return "", errors.New(errors.PhaseDiscover, errors.KindInvalidInput).
			Value(addr).
			Detail("multiaddr is not a tcp address").
			Cause(err).
			Build()
	}
	if _, ok := na.(*net.TCPAddr); !ok {
		return "", errors.New(errors.PhaseDiscover, errors.KindInvalidInput).
			Value(addr).
			Detail("multiaddr resolves to %s, want tcp", na.Network()).
			Build()
	}
	return na.String(), nil
}

// sanitizeFunctionName strips path separators from a target.function value.
func sanitizeFunctionName(name string) string {
	return strings.ReplaceAll(name, "/", "")
}

package tls13

import (
	"net"
	"strings"

	tlserrors "github.com/lodestone-net/tls13/errors"
	"golang.org/x/net/idna"
)

// validateServerName normalizes a hostname for the server_name extension.
// Unicode names go through IDNA 2008 Lookup; IP literals are rejected, since
// RFC 6066 forbids them in SNI.
func validateServerName(name string) (string, error) {
	if name == "" {
		return "", tlserrors.New("tls: empty server name").AtError()
	}
	if net.ParseIP(name) != nil {
		return "", tlserrors.New("tls: cannot use IP address ", name, " as SNI value").AtError()
	}
	if strings.HasSuffix(name, ".") {
		return "", tlserrors.New("tls: server name may not end with a trailing dot").AtError()
	}

	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", tlserrors.New("tls: invalid server name ", name).Base(err).AtError()
	}
	return ascii, nil
}

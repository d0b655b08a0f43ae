package mesh

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// IsSelfURL reports whether a configured peer URL points back at this
// node's own listener. A backbone that lists itself in its peer set
// must not dial itself.
//
// A URL is self when its port matches the local listen port and its
// normalized host is loopback, equals the configured listen host, or
// equals the local node id exactly. Substring matching on the node id
// false-positives on suffix collisions and is deliberately not used.
func IsSelfURL(raw, listenHost string, listenPort int, nodeID string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "ws", "http":
			port = "80"
		case "wss", "https":
			port = "443"
		}
	}
	if port != strconv.Itoa(listenPort) {
		return false
	}

	if isLoopbackHost(host) {
		return true
	}
	if host == strings.ToLower(listenHost) {
		return true
	}
	return nodeID != "" && host == strings.ToLower(nodeID)
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

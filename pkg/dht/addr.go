package dht

import (
	"net"
	"strconv"
)

// hostPart and portPart split a "host:port" seed address, returning zero
// values on malformed input (the caller logs and skips such seeds).
func hostPart(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return host
}

func portPart(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return p
}

func parsePort(s string) (int, error) {
	return strconv.Atoi(s)
}

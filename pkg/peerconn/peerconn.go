// Package peerconn defines the uniform peer-connection abstraction: a
// single send/read/close interface hiding which of five
// concrete transports (direct TLS, UDP/DTLS, WebRTC, relayed, virtual
// gossip) backs a given peer.
package peerconn

import (
	"encoding/json"
	"fmt"
)

// Transport identifies which concrete implementation backs a Conn.
type Transport string

// Transport values carried in each registry entry.
const (
	TransportDirectTLSv4 Transport = "direct_tls_v4"
	TransportDirectTLSv6 Transport = "direct_tls_v6"
	TransportHubWebRTC   Transport = "hub_webrtc"
	TransportUDPDTLS     Transport = "udp_dtls"
	TransportRelayed     Transport = "relayed"
	TransportGossip      Transport = "gossip"
)

// Message is the decoded JSON envelope exchanged over any transport.
type Message = map[string]any

// Conn is the uniform interface every concrete peer connection implements.
// It never exposes raw sockets or TLS/DTLS contexts to higher layers.
type Conn interface {
	NodeID() string
	Transport() Transport
	StrategyUsed() string
	Send(msg Message) error
	Read() (Message, error)
	Close() error
}

// EncodeJSON marshals msg for transports that frame or send whole JSON
// payloads (framed streams use the returned bytes as the frame body;
// message-oriented transports like WebRTC send it as the message text).
func EncodeJSON(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("peerconn: encode message: %w", err)
	}
	return b, nil
}

// DecodeJSON unmarshals a frame/message body into a Message.
func DecodeJSON(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("peerconn: decode message: %w", err)
	}
	return m, nil
}

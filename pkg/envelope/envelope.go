// Package envelope implements the directional wire framing placed around
// every message the data plane forwards.
//
// Wire format:
//
//	[dir "/"] service ["." namespace] ":" payload
//
// The direction tag is optional; an untagged message is an Incoming client
// request such as "orders.default:ping". The first ':' ends the header, so
// the payload may contain arbitrary bytes including ':'.
package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Direction tells the front end how to route a decoded message.
type Direction uint8

const (
	Unknown Direction = iota
	Incoming
	Outgoing
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

const (
	tagIncoming = "in"
	tagOutgoing = "out"

	tagSep       = '/'
	namespaceSep = '.'
	payloadSep   = ':'
)

// UnknownReply is sent back for messages that cannot be routed.
const UnknownReply = "unknown message"

// ErrMalformed is returned when a message has no header delimiter.
var ErrMalformed = errors.New("malformed envelope: missing ':' delimiter")

// ErrInvalidName is returned by Encode for a service or namespace that
// would not decode back to itself.
var ErrInvalidName = errors.New("invalid envelope name")

// Envelope is a decoded wire message.
type Envelope struct {
	Direction Direction
	Service   string
	Namespace string
	Payload   []byte
}

// Encode serializes env. Incoming envelopes are written untagged.
//
// The service must be non-empty and free of '.', ':' and '/'; the
// namespace must be free of ':' and '/'. Kubernetes service and namespace
// names (DNS-1035 labels) always qualify.
func Encode(env Envelope) ([]byte, error) {
	var tag string
	switch env.Direction {
	case Outgoing:
		tag = tagOutgoing
	case Unknown:
		// Unknown never carries routing information.
		buf := make([]byte, 0, 1+len(env.Payload))
		buf = append(buf, payloadSep)
		return append(buf, env.Payload...), nil
	}
	if env.Service == "" || strings.ContainsAny(env.Service, ".:/") {
		return nil, fmt.Errorf("%w: service %q", ErrInvalidName, env.Service)
	}
	if strings.ContainsAny(env.Namespace, ":/") {
		return nil, fmt.Errorf("%w: namespace %q", ErrInvalidName, env.Namespace)
	}

	size := len(env.Service) + len(env.Namespace) + len(env.Payload) + 2
	if tag != "" {
		size += len(tag) + 1
	}
	buf := make([]byte, 0, size)
	if tag != "" {
		buf = append(buf, tag...)
		buf = append(buf, tagSep)
	}
	buf = append(buf, env.Service...)
	if env.Namespace != "" {
		buf = append(buf, namespaceSep)
		buf = append(buf, env.Namespace...)
	}
	buf = append(buf, payloadSep)
	return append(buf, env.Payload...), nil
}

// Decode parses a wire message. The returned payload aliases data.
func Decode(data []byte) (Envelope, error) {
	idx := bytes.IndexByte(data, payloadSep)
	if idx < 0 {
		return Envelope{}, ErrMalformed
	}
	header, payload := data[:idx], data[idx+1:]

	env := Envelope{Direction: Incoming, Payload: payload}
	if slash := bytes.IndexByte(header, tagSep); slash >= 0 {
		switch string(header[:slash]) {
		case tagIncoming:
			env.Direction = Incoming
		case tagOutgoing:
			env.Direction = Outgoing
		default:
			env.Direction = Unknown
		}
		header = header[slash+1:]
	}

	if dot := bytes.IndexByte(header, namespaceSep); dot >= 0 {
		env.Service = string(header[:dot])
		env.Namespace = string(header[dot+1:])
	} else {
		env.Service = string(header)
	}

	if env.Service == "" {
		env.Direction = Unknown
	}
	return env, nil
}

// Target returns "service.namespace" (or just the service) for logging.
func (env Envelope) Target() string {
	if env.Namespace == "" {
		return env.Service
	}
	return fmt.Sprintf("%s.%s", env.Service, env.Namespace)
}

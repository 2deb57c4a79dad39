// Package protocol frames the control commands peers exchange over
// datagrams: discovery, role negotiation, part announcements, abort and
// success. One command per datagram.
package protocol

import (
	"net"
	"sort"
	"strings"

	"ldtcast/internal/faults"
)

// Delim brackets and separates command fields. It differs from both manifest
// delimiters.
const Delim = "<~ldt-c~>"

// MaxDatagram bounds an encoded command.
const MaxDatagram = 64 * 1024

type Type int

const (
	FindOthers Type = iota + 1
	ResponseToFindOthers
	BecameServer
	DownloadStart
	NextFilePart
	DownloadAbort
	Success
)

var typeNames = map[Type]string{
	FindOthers:           "FindOthers",
	ResponseToFindOthers: "ResponseToFindOthers",
	BecameServer:         "BecameServer",
	DownloadStart:        "DownloadStart",
	NextFilePart:         "NextFilePart",
	DownloadAbort:        "DownloadAbort",
	Success:              "Success",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// ParseType maps a wire name back to its Type.
func ParseType(name string) (Type, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// Field keys.
const (
	KeyID      = "id"
	KeyPeer    = "peer"
	KeySession = "session"
	KeyName    = "name"
	KeyIndex   = "index"
	KeyParts   = "parts"
	KeySize    = "size"
	KeyClaim   = "claim"
	KeyReason  = "reason"
)

// Command is a decoded control message. From is the datagram's source
// address and is never serialized.
type Command struct {
	Type   Type
	Fields map[string]string
	From   net.Addr
}

func (c Command) Get(key string) string {
	return c.Fields[key]
}

// Encode frames a command. Keys are written sorted so equal commands encode
// to equal bytes.
func Encode(t Type, fields map[string]string) ([]byte, error) {
	const op = "encode command"
	name, ok := typeNames[t]
	if !ok {
		return nil, faults.Errorf(faults.Protocol, op, "unknown command type %d", int(t))
	}
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if k == "" || strings.Contains(k, "=") || strings.Contains(k, Delim) {
			return nil, faults.Errorf(faults.Format, op, "bad key %q", k)
		}
		if strings.Contains(v, Delim) {
			return nil, faults.Errorf(faults.Format, op, "value of %q contains the delimiter", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(Delim)
	b.WriteString(name)
	b.WriteString(Delim)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteString(Delim)
	}
	if b.Len() > MaxDatagram {
		return nil, faults.Errorf(faults.Format, op, "command is %d bytes, limit %d", b.Len(), MaxDatagram)
	}
	return []byte(b.String()), nil
}

// Decode parses a datagram received from `from`. A frame that does not parse
// is a Format error; a well-formed frame naming an unknown type is a
// Protocol error.
func Decode(b []byte, from net.Addr) (Command, error) {
	const op = "decode command"
	if len(b) > MaxDatagram {
		return Command{}, faults.Errorf(faults.Format, op, "datagram is %d bytes, limit %d", len(b), MaxDatagram)
	}
	s := string(b)
	if len(s) < 2*len(Delim) || !strings.HasPrefix(s, Delim) || !strings.HasSuffix(s, Delim) {
		return Command{}, faults.New(faults.Format, op, "frame is not enclosed in delimiters")
	}
	var parts []string
	for _, p := range strings.Split(s, Delim) {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return Command{}, faults.New(faults.Format, op, "missing command type")
	}
	t, ok := ParseType(parts[0])
	if !ok {
		return Command{}, faults.Errorf(faults.Protocol, op, "unknown command type %q", parts[0])
	}
	fields := make(map[string]string, len(parts)-1)
	for _, kv := range parts[1:] {
		k, v, found := strings.Cut(kv, "=")
		if !found || k == "" {
			return Command{}, faults.Errorf(faults.Format, op, "bad field %q", kv)
		}
		fields[k] = v
	}
	return Command{Type: t, Fields: fields, From: from}, nil
}

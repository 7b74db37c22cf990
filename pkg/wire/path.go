package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// PathQuery asks the domain to resolve a human-readable location string.
type PathQuery struct {
	Path string
}

// Marshal builds a full path-query datagram. Returns an error if the
// path would not fit in a single datagram.
func (q PathQuery) Marshal(sender uuid.UUID) ([]byte, error) {
	if HeaderSize+2+len(q.Path) > MaxDatagramSize {
		return nil, fmt.Errorf("path %q would exceed max datagram size", q.Path)
	}
	buf := NewHeader(PacketTypePathQuery, sender).AppendTo(make([]byte, 0, HeaderSize+2+len(q.Path)))
	return appendString(buf, q.Path), nil
}

// ParsePathQuery parses a path-query payload.
func ParsePathQuery(data []byte) (PathQuery, error) {
	path, _, err := readString(data)
	if err != nil {
		return PathQuery{}, err
	}
	return PathQuery{Path: path}, nil
}

// PathResponse resolves a path to a viewpoint string, consumed by the
// host application; this layer only carries it.
type PathResponse struct {
	Path      string
	Viewpoint string
}

// Marshal builds a full path-response datagram.
func (r PathResponse) Marshal(sender uuid.UUID) ([]byte, error) {
	if HeaderSize+4+len(r.Path)+len(r.Viewpoint) > MaxDatagramSize {
		return nil, fmt.Errorf("path response would exceed max datagram size")
	}
	buf := NewHeader(PacketTypePathResponse, sender).AppendTo(make([]byte, 0, HeaderSize+4+len(r.Path)+len(r.Viewpoint)))
	buf = appendString(buf, r.Path)
	return appendString(buf, r.Viewpoint), nil
}

// ParsePathResponse parses a path-response payload.
func ParsePathResponse(data []byte) (PathResponse, error) {
	var r PathResponse
	var err error
	var rest []byte
	if r.Path, rest, err = readString(data); err != nil {
		return r, err
	}
	if r.Viewpoint, _, err = readString(rest); err != nil {
		return r, err
	}
	return r, nil
}

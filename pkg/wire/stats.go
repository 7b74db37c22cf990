package wire

import (
	"github.com/google/uuid"
)

// MarshalTextStats packs stat lines into as few datagrams as fit, each
// independently parseable. A line too long for an empty datagram is
// truncated rather than dropped.
func MarshalTextStats(sender uuid.UUID, lines []string) [][]byte {
	header := NewHeader(PacketTypeTextStats, sender)
	maxLine := MaxDatagramSize - HeaderSize - 2

	var packets [][]byte
	buf := header.AppendTo(make([]byte, 0, MaxDatagramSize))
	for _, line := range lines {
		if len(line) > maxLine {
			line = line[:maxLine]
		}
		if len(buf)+2+len(line) > MaxDatagramSize {
			packets = append(packets, buf)
			buf = header.AppendTo(make([]byte, 0, MaxDatagramSize))
		}
		buf = appendString(buf, line)
	}
	if len(buf) > HeaderSize {
		packets = append(packets, buf)
	}
	return packets
}

// ParseTextStats parses one text-stats payload back into lines.
func ParseTextStats(data []byte) ([]string, error) {
	var lines []string
	for len(data) > 0 {
		line, rest, err := readString(data)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
		data = rest
	}
	return lines, nil
}

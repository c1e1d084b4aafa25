package codewhisperer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// The response body is an AWS binary event stream: length-prefixed frames,
// each with a small header block and a JSON payload. Frame layout:
//
//	4 bytes  total frame length (big endian)
//	4 bytes  header block length
//	4 bytes  prelude CRC
//	...      headers (name-len, name, value-type, value)
//	...      payload
//	4 bytes  frame CRC
//
// CRCs are not verified; a corrupt frame fails JSON parsing anyway.

const (
	preludeLen  = 12
	maxFrameLen = 16 * 1024 * 1024
)

// Header value type codes.
const (
	typeBoolTrue  = 0
	typeBoolFalse = 1
	typeByte      = 2
	typeInt16     = 3
	typeInt32     = 4
	typeInt64     = 5
	typeByteArray = 6
	typeString    = 7
	typeTimestamp = 8
	typeUUID      = 9
)

// eventFrame is one decoded frame: the string headers plus the raw payload.
type eventFrame struct {
	Headers map[string]string
	Payload []byte
}

// EventType returns the frame's :event-type header.
func (f *eventFrame) EventType() string { return f.Headers[":event-type"] }

// frameReader decodes frames from a byte stream.
type frameReader struct {
	r io.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r}
}

// Next reads one frame. io.EOF signals a clean end of stream.
func (fr *frameReader) Next() (*eventFrame, error) {
	var prelude [preludeLen]byte
	if _, err := io.ReadFull(fr.r, prelude[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("event stream prelude: %w", err)
	}

	totalLen := binary.BigEndian.Uint32(prelude[0:4])
	headerLen := binary.BigEndian.Uint32(prelude[4:8])
	if totalLen < preludeLen+4 || totalLen > maxFrameLen {
		return nil, fmt.Errorf("event stream frame length %d out of range", totalLen)
	}
	if headerLen > totalLen-preludeLen-4 {
		return nil, fmt.Errorf("event stream header length %d exceeds frame", headerLen)
	}

	rest := make([]byte, totalLen-preludeLen)
	if _, err := io.ReadFull(fr.r, rest); err != nil {
		return nil, fmt.Errorf("event stream frame body: %w", err)
	}

	headers, err := parseHeaders(rest[:headerLen])
	if err != nil {
		return nil, err
	}
	payload := rest[headerLen : len(rest)-4] // trailing frame CRC dropped

	return &eventFrame{Headers: headers, Payload: payload}, nil
}

// parseHeaders decodes the header block. Non-string values are skipped;
// the headers that matter (:event-type, :message-type) are strings.
func parseHeaders(buf []byte) (map[string]string, error) {
	headers := map[string]string{}
	for len(buf) > 0 {
		nameLen := int(buf[0])
		buf = buf[1:]
		if len(buf) < nameLen+1 {
			return nil, fmt.Errorf("event stream header truncated")
		}
		name := string(buf[:nameLen])
		valType := buf[nameLen]
		buf = buf[nameLen+1:]

		switch valType {
		case typeBoolTrue, typeBoolFalse:
			// no value bytes
		case typeByte:
			buf = skip(buf, 1)
		case typeInt16:
			buf = skip(buf, 2)
		case typeInt32:
			buf = skip(buf, 4)
		case typeInt64, typeTimestamp:
			buf = skip(buf, 8)
		case typeUUID:
			buf = skip(buf, 16)
		case typeString, typeByteArray:
			if len(buf) < 2 {
				return nil, fmt.Errorf("event stream header truncated")
			}
			valLen := int(binary.BigEndian.Uint16(buf[:2]))
			buf = buf[2:]
			if len(buf) < valLen {
				return nil, fmt.Errorf("event stream header truncated")
			}
			if valType == typeString {
				headers[name] = string(buf[:valLen])
			}
			buf = buf[valLen:]
		default:
			return nil, fmt.Errorf("event stream header type %d unsupported", valType)
		}
		if buf == nil {
			return nil, fmt.Errorf("event stream header truncated")
		}
	}
	return headers, nil
}

func skip(buf []byte, n int) []byte {
	if len(buf) < n {
		return nil
	}
	return buf[n:]
}

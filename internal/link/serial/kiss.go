package serial

import "bytes"

// KISS framing bytes.
const (
	FEND     = 0xC0
	FESC     = 0xDB
	TFEND    = 0xDC
	TFESC    = 0xDD
	CmdData  = 0x00
	maxFrame = 1024
)

func escape(data []byte) []byte {
	var out bytes.Buffer
	for _, b := range data {
		switch b {
		case FEND:
			out.Write([]byte{FESC, TFEND})
		case FESC:
			out.Write([]byte{FESC, TFESC})
		default:
			out.WriteByte(b)
		}
	}
	return out.Bytes()
}

func unescape(data []byte) []byte {
	var out bytes.Buffer
	for i := 0; i < len(data); {
		b := data[i]
		if b == FESC && i+1 < len(data) {
			switch data[i+1] {
			case TFEND:
				out.WriteByte(FEND)
				i += 2
				continue
			case TFESC:
				out.WriteByte(FESC)
				i += 2
				continue
			}
		}
		out.WriteByte(b)
		i++
	}
	return out.Bytes()
}

// EncodeFrame wraps one packet in a KISS data frame.
func EncodeFrame(packet []byte) []byte {
	escaped := escape(packet)
	frame := make([]byte, 0, len(escaped)+3)
	frame = append(frame, FEND, CmdData)
	frame = append(frame, escaped...)
	return append(frame, FEND)
}

// ExtractFrames pulls every complete frame out of buf and returns the
// unescaped packets plus the bytes that do not yet form a frame. Empty
// frames (back-to-back FENDs) and non-data frames are skipped.
func ExtractFrames(buf []byte) ([][]byte, []byte) {
	var packets [][]byte
	for {
		start := bytes.IndexByte(buf, FEND)
		if start == -1 {
			return packets, nil
		}
		buf = buf[start:]

		end := bytes.IndexByte(buf[1:], FEND)
		if end == -1 {
			if len(buf) > maxFrame {
				// Garbage without a closing FEND; resynchronise.
				return packets, nil
			}
			return packets, buf
		}
		body := buf[1 : end+1]
		buf = buf[end+1:]

		if len(body) < 1 || body[0]&0x0F != CmdData {
			continue
		}
		packets = append(packets, unescape(body[1:]))
	}
}

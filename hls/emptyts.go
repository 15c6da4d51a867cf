package hls

import (
	"os"
	"path"
)

const (
	emptyTSName    = "empty.ts"
	tsPacketSize   = 188
	emptyTSPackets = 1000
)

// writeEmptyTS drops a null-PID placeholder transport stream into the
// working dir, once. Players probing for not-yet-downloaded segments
// can be pointed at it without decoding garbage.
func writeEmptyTS(dir string) error {
	p := path.Join(dir, emptyTSName)
	if s, err := os.Stat(p); err == nil && s.Size() > 0 {
		return nil
	}

	packet := make([]byte, tsPacketSize)
	packet[0] = 0x47 // sync byte
	packet[1] = 0x1F // PID 0x1FFF, the null packet PID
	packet[2] = 0xFF
	packet[3] = 0x10
	for i := 4; i < tsPacketSize; i++ {
		packet[i] = 0xFF
	}

	payload := make([]byte, 0, tsPacketSize*emptyTSPackets)
	for i := 0; i < emptyTSPackets; i++ {
		payload = append(payload, packet...)
	}
	return os.WriteFile(p, payload, 0644)
}

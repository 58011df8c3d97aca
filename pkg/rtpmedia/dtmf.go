package rtpmedia

import (
	"fmt"
	"math"
	"time"

	"github.com/pion/rtp"
)

// DTMFPayloadType payload type telephone-event по умолчанию (RFC 4733).
const DTMFPayloadType = 101

// dtmfEvents соответствие символов тонов кодам событий RFC 4733.
var dtmfEvents = map[rune]uint8{
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4,
	'5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
	'*': 10, '#': 11,
	'A': 12, 'B': 13, 'C': 14, 'D': 15,
	'a': 12, 'b': 13, 'c': 14, 'd': 15,
}

// DTMFSender генерирует RTP пакеты telephone-event.
type DTMFSender struct {
	payloadType uint8
	ssrc        uint32
	seq         uint16
	timestamp   uint32
}

// NewDTMFSender создает sender для указанного SSRC.
func NewDTMFSender(ssrc uint32) *DTMFSender {
	return &DTMFSender{payloadType: DTMFPayloadType, ssrc: ssrc}
}

// encodeEvent сериализует payload события согласно RFC 4733:
// event (8 бит), E|R|volume (1+1+6 бит), duration (16 бит).
func encodeEvent(event uint8, end bool, volume uint8, duration uint16) []byte {
	data := make([]byte, 4)
	data[0] = event
	if end {
		data[1] |= 0x80
	}
	data[1] |= volume & 0x3F
	data[2] = byte(duration >> 8)
	data[3] = byte(duration)
	return data
}

// Packets генерирует последовательность пакетов для одного тона:
// три стартовых (первый с marker) и три завершающих с флагом End,
// отправляемых с повторением для надежности поверх UDP.
func (s *DTMFSender) Packets(tone rune, duration time.Duration) ([]*rtp.Packet, error) {
	event, ok := dtmfEvents[tone]
	if !ok {
		return nil, fmt.Errorf("rtpmedia: недопустимый DTMF тон %q", tone)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("rtpmedia: длительность DTMF должна быть положительной")
	}

	// Поле duration в RFC 4733 16-битное: при 8kHz максимум ~8.19s.
	rawSamples := duration.Seconds() * clockRate
	if rawSamples > math.MaxUint16 {
		rawSamples = math.MaxUint16
	}
	samples := uint16(rawSamples)
	var packets []*rtp.Packet

	appendPacket := func(payload []byte, marker bool) {
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    s.payloadType,
				SequenceNumber: s.seq,
				Timestamp:      s.timestamp,
				SSRC:           s.ssrc,
			},
			Payload: payload,
		})
		s.seq++
	}

	start := encodeEvent(event, false, 10, samples)
	for i := 0; i < 3; i++ {
		appendPacket(start, i == 0)
	}
	end := encodeEvent(event, true, 10, samples)
	for i := 0; i < 3; i++ {
		appendPacket(end, false)
	}

	s.timestamp += uint32(samples)
	return packets, nil
}

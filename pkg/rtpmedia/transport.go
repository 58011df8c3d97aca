// Package rtpmedia предоставляет эталонную реализацию медиа-транспорта
// (engine.MediaTransport) поверх RTP.
//
// Транспорт не владеет сокетами: сигнальный движок прокачивает через него
// отправляемые и принимаемые RTP пакеты, а транспорт ведет транспортные
// счетчики (пакеты, байты, потери, jitter) и отдает их снимок по запросу.
// Потери и jitter считаются по RFC 3550 (секция 6.4.1), RTT
// устанавливается извне по данным RTCP.
package rtpmedia

import (
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/webphone/pkg/engine"
)

// clockRate тактовая частота телефонного аудио (Hz).
const clockRate = 8000

// Transport медиа-транспорт одного вызова.
//
// Все операции потокобезопасны. Эксклюзивно принадлежит одному call
// handle движка.
type Transport struct {
	mu sync.Mutex

	ssrc uint32

	packetsSent     uint64
	packetsReceived uint64
	bytesSent       uint64
	bytesReceived   uint64

	// Учет потерь и jitter по RFC 3550.
	highestSeq   uint16
	seqWrapped   bool
	expectedBase uint32
	received     uint32
	jitter       float64
	lastArrival  time.Time
	lastRTPTime  uint32

	rtt time.Duration

	muted   bool
	stopped bool
}

// NewTransport создает транспорт с заданным локальным SSRC.
func NewTransport(ssrc uint32) *Transport {
	return &Transport{ssrc: ssrc}
}

// RecordOutbound учитывает отправленный RTP пакет.
// Пакеты заглушенного или остановленного транспорта не учитываются
// (и не должны отправляться движком).
func (t *Transport) RecordOutbound(pkt *rtp.Packet) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.muted {
		return false
	}
	t.packetsSent++
	t.bytesSent += uint64(len(pkt.Payload)) + 12
	return true
}

// RecordInbound учитывает принятый RTP пакет и обновляет оценку
// потерь и jitter.
func (t *Transport) RecordInbound(pkt *rtp.Packet, arrival time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	t.packetsReceived++
	t.bytesReceived += uint64(len(pkt.Payload)) + 12

	seq := pkt.SequenceNumber
	if t.received == 0 {
		t.expectedBase = uint32(seq)
		t.highestSeq = seq
	} else if isNewerSeq(seq, t.highestSeq) {
		if seq < t.highestSeq {
			t.seqWrapped = true
		}
		t.highestSeq = seq
	}
	t.received++

	// Interarrival jitter (RFC 3550 6.4.1): J += (|D| - J) / 16.
	if !t.lastArrival.IsZero() {
		arrivalDelta := arrival.Sub(t.lastArrival).Seconds() * clockRate
		rtpDelta := float64(int32(pkt.Timestamp - t.lastRTPTime))
		d := arrivalDelta - rtpDelta
		if d < 0 {
			d = -d
		}
		t.jitter += (d - t.jitter) / 16
	}
	t.lastArrival = arrival
	t.lastRTPTime = pkt.Timestamp
}

// isNewerSeq сравнение sequence numbers с учетом переполнения uint16.
func isNewerSeq(seq, prev uint16) bool {
	return seq != prev && seq-prev < 0x8000
}

// SetRTT устанавливает измеренный по RTCP round-trip time.
func (t *Transport) SetRTT(rtt time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtt = rtt
}

// Statistics возвращает снимок транспортных счетчиков.
func (t *Transport) Statistics() (engine.Statistics, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lost uint64
	if t.received > 0 {
		expected := uint32(t.highestSeq) - t.expectedBase + 1
		if t.seqWrapped {
			expected += 1 << 16
		}
		if expected > t.received {
			lost = uint64(expected - t.received)
		}
	}

	return engine.Statistics{
		PacketsSent:     t.packetsSent,
		PacketsReceived: t.packetsReceived,
		BytesSent:       t.bytesSent,
		BytesReceived:   t.bytesReceived,
		PacketsLost:     lost,
		Jitter:          time.Duration(t.jitter / clockRate * float64(time.Second)),
		RoundTripTime:   t.rtt,
	}, nil
}

// SetMuted включает или выключает отправку локального аудио.
func (t *Transport) SetMuted(muted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muted = muted
	return nil
}

// Muted сообщает, заглушен ли транспорт.
func (t *Transport) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

// StopTracks останавливает учет потоков. Повторный вызов безопасен.
func (t *Transport) StopTracks() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// SSRC возвращает локальный SSRC транспорта.
func (t *Transport) SSRC() uint32 {
	return t.ssrc
}

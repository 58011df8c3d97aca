package rtpmedia

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDTMFPackets генерация пакетов telephone-event для одного тона
func TestDTMFPackets(t *testing.T) {
	s := NewDTMFSender(0xCAFE)

	packets, err := s.Packets('5', 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, packets, 6)

	// Первый пакет несет marker, остальные нет
	assert.True(t, packets[0].Marker)
	for _, p := range packets[1:] {
		assert.False(t, p.Marker)
	}

	for i, p := range packets {
		assert.Equal(t, uint8(DTMFPayloadType), p.PayloadType)
		assert.Equal(t, uint32(0xCAFE), p.SSRC)
		assert.Equal(t, uint16(i), p.SequenceNumber)
		require.Len(t, p.Payload, 4)
		assert.Equal(t, uint8(5), p.Payload[0], "код события для '5'")
	}

	// Первые три пакета без флага End, последние три с ним
	for _, p := range packets[:3] {
		assert.Zero(t, p.Payload[1]&0x80)
	}
	for _, p := range packets[3:] {
		assert.NotZero(t, p.Payload[1]&0x80)
	}

	// Duration в сэмплах: 100ms при 8kHz = 800
	duration := uint16(packets[0].Payload[2])<<8 | uint16(packets[0].Payload[3])
	assert.Equal(t, uint16(800), duration)
}

// TestDTMFTimestampAdvance timestamp продвигается между тонами
func TestDTMFTimestampAdvance(t *testing.T) {
	s := NewDTMFSender(1)

	first, err := s.Packets('1', 100*time.Millisecond)
	require.NoError(t, err)
	second, err := s.Packets('2', 100*time.Millisecond)
	require.NoError(t, err)

	// Все пакеты одного тона имеют один timestamp
	assert.Equal(t, first[0].Timestamp, first[5].Timestamp)
	assert.Equal(t, first[0].Timestamp+800, second[0].Timestamp)
	// Sequence сквозной
	assert.Equal(t, uint16(6), second[0].SequenceNumber)
}

// TestDTMFToneCodes соответствие символов кодам RFC 4733
func TestDTMFToneCodes(t *testing.T) {
	tones := map[rune]uint8{
		'0': 0, '9': 9, '*': 10, '#': 11, 'A': 12, 'd': 15,
	}
	for tone, code := range tones {
		s := NewDTMFSender(1)
		packets, err := s.Packets(tone, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, code, packets[0].Payload[0], "тон %q", tone)
	}
}

// TestDTMFLongToneClamped длительность сверх 16-битного поля RFC 4733
// обрезается до максимума, а не переполняется
func TestDTMFLongToneClamped(t *testing.T) {
	s := NewDTMFSender(1)

	packets, err := s.Packets('1', 10*time.Second)
	require.NoError(t, err)

	duration := uint16(packets[0].Payload[2])<<8 | uint16(packets[0].Payload[3])
	assert.Equal(t, uint16(65535), duration)
}

// TestDTMFInvalidInput недопустимый тон и длительность отклоняются
func TestDTMFInvalidInput(t *testing.T) {
	s := NewDTMFSender(1)

	_, err := s.Packets('x', 100*time.Millisecond)
	assert.Error(t, err)

	_, err = s.Packets('5', 0)
	assert.Error(t, err)
}

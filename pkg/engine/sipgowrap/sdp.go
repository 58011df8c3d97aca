package sipgowrap

import (
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

// MediaDirection направление медиа-потока в SDP.
type MediaDirection string

const (
	DirSendRecv MediaDirection = "sendrecv"
	DirSendOnly MediaDirection = "sendonly"
	DirRecvOnly MediaDirection = "recvonly"
	DirInactive MediaDirection = "inactive"
)

// buildSDP строит аудио offer/answer: PCMU + telephone-event.
func buildSDP(host string, port int, direction MediaDirection) ([]byte, error) {
	now := time.Now().Unix()
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(now),
			SessionVersion: uint64(now),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "webphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{"0", "101"},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", "0 PCMU/8000"),
			sdp.NewAttribute("rtpmap", "101 telephone-event/8000"),
			sdp.NewAttribute("fmtp", "101 0-15"),
			sdp.NewPropertyAttribute(string(direction)),
		},
	}
	desc.MediaDescriptions = []*sdp.MediaDescription{media}

	return desc.Marshal()
}

// parseSDPDirection извлекает направление аудио-потока из SDP.
// Отсутствие атрибута направления трактуется как sendrecv (RFC 3264).
func parseSDPDirection(body []byte) (MediaDirection, error) {
	if len(body) == 0 {
		return DirSendRecv, nil
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return DirSendRecv, fmt.Errorf("sipgowrap: разбор SDP: %w", err)
	}

	lookup := func(attrs []sdp.Attribute) (MediaDirection, bool) {
		for _, a := range attrs {
			switch MediaDirection(a.Key) {
			case DirSendRecv, DirSendOnly, DirRecvOnly, DirInactive:
				return MediaDirection(a.Key), true
			}
		}
		return "", false
	}

	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		if dir, ok := lookup(m.Attributes); ok {
			return dir, nil
		}
	}
	if dir, ok := lookup(desc.Attributes); ok {
		return dir, nil
	}
	return DirSendRecv, nil
}

// isHoldDirection сообщает, означает ли направление удержание со
// стороны отправителя SDP.
func isHoldDirection(dir MediaDirection) bool {
	return dir == DirSendOnly || dir == DirInactive
}

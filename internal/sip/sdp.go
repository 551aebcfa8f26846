package sip

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/scrollDynasty/voiceaicargoprime/internal/utils"
)

// Offer is the remote media description the orchestrator cares about:
// where to send RTP and which G.711 flavors the peer accepts.
type Offer struct {
	Address string
	Port    int
	PCMU    bool
	PCMA    bool
}

// PayloadType picks the negotiated codec, preferring mu-law.
func (o *Offer) PayloadType() (uint8, error) {
	switch {
	case o.PCMU:
		return 0, nil
	case o.PCMA:
		return 8, nil
	default:
		return 0, utils.E(utils.CodeInvalidArgument, "Offer.PayloadType", "peer offers no G.711 codec", nil)
	}
}

// ParseOffer extracts the audio endpoint and codec support from an SDP
// offer body.
func ParseOffer(body []byte) (*Offer, error) {
	const op = "sip.ParseOffer"

	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, utils.E(utils.CodeInvalidArgument, op, "unparseable SDP offer", err)
	}

	out := &Offer{}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		out.Address = sd.ConnectionInformation.Address.Address
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		out.Port = md.MediaName.Port.Value
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			out.Address = md.ConnectionInformation.Address.Address
		}
		for _, format := range md.MediaName.Formats {
			pt, err := strconv.Atoi(format)
			if err != nil {
				continue
			}
			// static payload types may omit the rtpmap line
			if pt == 0 {
				out.PCMU = true
				continue
			}
			if pt == 8 {
				out.PCMA = true
				continue
			}
			codec, err := sd.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				continue
			}
			if codec.Name == "PCMU" && codec.ClockRate == 8000 {
				out.PCMU = true
			}
			if codec.Name == "PCMA" && codec.ClockRate == 8000 {
				out.PCMA = true
			}
		}
		break
	}

	if out.Address == "" || out.Port == 0 {
		return nil, utils.E(utils.CodeInvalidArgument, op, "offer has no usable audio endpoint", nil)
	}
	if !out.PCMU && !out.PCMA {
		return nil, utils.E(utils.CodeInvalidArgument, op, "offer has no G.711 codec", nil)
	}
	return out, nil
}

// BuildAnswer renders our SDP answer for the negotiated payload type.
// telephone-event is advertised so carriers keep DTMF out of the voice
// stream.
func BuildAnswer(publicIP string, rtpPort int, payloadType uint8) ([]byte, error) {
	const op = "sip.BuildAnswer"

	codecName := "PCMU"
	if payloadType == 8 {
		codecName = "PCMA"
	}
	now := time.Now().Unix()

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(now),
			SessionVersion: uint64(now),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: publicIP,
		},
		SessionName: "CargoPrime",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: publicIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: rtpPort},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{strconv.Itoa(int(payloadType)), "101"},
			},
			Attributes: []sdp.Attribute{
				{Key: "rtpmap", Value: fmt.Sprintf("%d %s/8000", payloadType, codecName)},
				{Key: "rtpmap", Value: "101 telephone-event/8000"},
				{Key: "fmtp", Value: "101 0-16"},
				{Key: "ptime", Value: "20"},
				{Key: "sendrecv", Value: ""},
			},
		}},
	}

	raw, err := sd.Marshal()
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "marshal SDP answer", err)
	}
	return raw, nil
}

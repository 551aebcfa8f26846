package sip

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/scrollDynasty/voiceaicargoprime/internal/media"
)

const (
	// 20 ms of 8 kHz G.711: 160 samples, one byte each on the wire
	frameSamples  = 160
	frameInterval = 20 * time.Millisecond

	dtmfPayloadType = 101
)

// rtpSession moves audio for one SIP call: inbound packets are decoded to
// PCM and handed to onAudio, outbound PCM is framed, encoded, and paced at
// one packet per 20 ms.
type rtpSession struct {
	conn        *net.UDPConn
	payloadType uint8
	log         *logrus.Entry

	mu     sync.Mutex
	remote *net.UDPAddr

	seq  uint16
	ts   uint32
	ssrc uint32

	outQ     chan []byte // raw PCM16LE at 8 kHz
	stop     chan struct{}
	stopOnce sync.Once
	lastRecv atomic.Int64

	// onSendFail, when set before sendLoop starts, is invoked once if the
	// outbound socket dies mid-call so the owner can tear the call down;
	// inbound traffic alone would keep the idle watchdog satisfied.
	onSendFail func()
}

func newRTPSession(conn *net.UDPConn, remote *net.UDPAddr, payloadType uint8, log *logrus.Entry) *rtpSession {
	s := &rtpSession{
		conn:        conn,
		payloadType: payloadType,
		log:         log,
		remote:      remote,
		seq:         uint16(rand.Intn(1 << 16)),
		ssrc:        rand.Uint32(),
		outQ:        make(chan []byte, 64),
		stop:        make(chan struct{}),
	}
	s.lastRecv.Store(time.Now().UnixNano())
	return s
}

func (s *rtpSession) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Enqueue schedules synthesized PCM for playout. Dropping on a full queue
// is deliberate: stale speech is worse than a gap.
func (s *rtpSession) Enqueue(pcm []byte) {
	select {
	case s.outQ <- pcm:
	case <-s.stop:
	default:
		s.log.Warn("rtp playout queue full, dropping audio")
	}
}

// IdleFor reports how long since the last inbound packet.
func (s *rtpSession) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastRecv.Load()))
}

func (s *rtpSession) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.conn.Close()
	})
}

// recvLoop reads inbound RTP until the session closes. The remote address
// is re-learned from traffic, which rides out NAT rewrites.
func (s *rtpSession) recvLoop(onAudio func(pcm []byte)) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stop:
			default:
				s.log.WithError(err).Warn("rtp read failed")
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.log.WithError(err).Debug("dropping malformed rtp packet")
			continue
		}

		s.lastRecv.Store(time.Now().UnixNano())
		s.mu.Lock()
		s.remote = addr
		s.mu.Unlock()

		switch pkt.PayloadType {
		case 0:
			onAudio(media.DecodeUlaw(pkt.Payload))
		case 8:
			onAudio(media.DecodeAlaw(pkt.Payload))
		case dtmfPayloadType:
			// DTMF events are not voice; skip them
		default:
			s.log.WithField("payload_type", pkt.PayloadType).Debug("ignoring unknown payload type")
		}
	}
}

// sendLoop paces queued PCM out as 20 ms G.711 frames. Sequence numbers
// and timestamps only advance when a frame is actually sent.
func (s *rtpSession) sendLoop() {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	var pending []byte
	for {
		select {
		case <-s.stop:
			return
		case pcm := <-s.outQ:
			pending = append(pending, pcm...)
		case <-ticker.C:
			if len(pending) < frameSamples*2 {
				// top up without blocking the tick
				select {
				case pcm := <-s.outQ:
					pending = append(pending, pcm...)
				default:
				}
			}
			if len(pending) < frameSamples*2 {
				continue
			}
			frame := pending[:frameSamples*2]
			pending = pending[frameSamples*2:]
			if err := s.writeFrame(frame); err != nil {
				select {
				case <-s.stop:
				default:
					s.log.WithError(err).Warn("rtp write failed, ending call")
					if s.onSendFail != nil {
						s.onSendFail()
					}
				}
				return
			}
		}
	}
}

func (s *rtpSession) writeFrame(pcm []byte) error {
	var payload []byte
	if s.payloadType == 8 {
		payload = media.EncodeAlaw(pcm)
	} else {
		payload = media.EncodeUlaw(pcm)
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.payloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}

	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	if _, err := s.conn.WriteToUDP(raw, remote); err != nil {
		return err
	}

	s.seq++
	s.ts += frameSamples
	return nil
}

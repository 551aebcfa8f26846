package sip

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/scrollDynasty/voiceaicargoprime/config"
	"github.com/scrollDynasty/voiceaicargoprime/internal/engine"
	"github.com/scrollDynasty/voiceaicargoprime/internal/media"
)

// answerDelay is how long we let the leg ring before sending 200 OK;
// instant pickup trips carrier answering-machine detection.
const answerDelay = 500 * time.Millisecond

type sipCall struct {
	callID string // engine call id
	rtp    *rtpSession
	invite *sip.Request
	stop   context.CancelFunc
}

// Server terminates SIP calls directly: INVITE negotiation, G.711 RTP
// media, and hangup, feeding the same engine the webhook transport uses.
type Server struct {
	cfg    config.SIPConfig
	engine *engine.Engine
	coord  *engine.Coordinator
	log    *logrus.Logger

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	mu    sync.Mutex
	calls map[string]*sipCall // keyed by SIP Call-ID
}

func NewServer(cfg config.SIPConfig, eng *engine.Engine, coord *engine.Coordinator, log *logrus.Logger) (*Server, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, err
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, err
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		engine: eng,
		coord:  coord,
		log:    log,
		ua:     ua,
		srv:    srv,
		client: client,
		calls:  make(map[string]*sipCall),
	}
	srv.OnInvite(s.handleInvite)
	srv.OnAck(s.handleAck)
	srv.OnBye(s.handleBye)
	srv.OnCancel(s.handleCancel)
	srv.OnOptions(s.handleOptions)
	return s, nil
}

// Start serves SIP over UDP until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.LocalIP, s.cfg.Port)
	s.log.WithField("addr", addr).Info("sip server listening")
	return s.srv.ListenAndServe(ctx, "udp", addr)
}

func (s *Server) publicIP() string {
	if s.cfg.PublicIP != "" {
		return s.cfg.PublicIP
	}
	return s.cfg.LocalIP
}

func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := callIDOf(req)
	log := s.log.WithField("sip_call_id", sipCallID)
	log.Info("incoming INVITE")

	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil))

	offer, err := ParseOffer(req.Body())
	if err != nil {
		log.WithError(err).Warn("rejecting INVITE: bad offer")
		_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}
	payloadType, err := offer.PayloadType()
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}

	conn, err := s.allocRTP()
	if err != nil {
		log.WithError(err).Error("rtp port allocation failed")
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Internal Server Error", nil))
		return
	}

	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil))

	remote := &net.UDPAddr{IP: net.ParseIP(offer.Address), Port: offer.Port}
	rtpSess := newRTPSession(conn, remote, payloadType, log)

	call := &sipCall{
		callID: "sip:" + sipCallID,
		rtp:    rtpSess,
		invite: req,
	}
	s.mu.Lock()
	s.calls[sipCallID] = call
	s.mu.Unlock()

	answer, err := BuildAnswer(s.publicIP(), rtpSess.LocalPort(), payloadType)
	if err != nil {
		log.WithError(err).Error("sdp answer build failed")
		s.dropCall(sipCallID)
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Internal Server Error", nil))
		return
	}

	// brief ring, then answer with our media endpoint
	time.Sleep(answerDelay)

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	resp.AppendHeader(&sip.ContactHeader{Address: sip.Uri{
		User: s.cfg.Username,
		Host: s.publicIP(),
		Port: s.cfg.Port,
	}})
	ct := sip.ContentTypeHeader("application/sdp")
	resp.AppendHeader(&ct)
	if err := tx.Respond(resp); err != nil {
		log.WithError(err).Error("failed to send 200 OK")
		s.dropCall(sipCallID)
		return
	}
	log.WithFields(logrus.Fields{
		"remote_rtp": remote.String(),
		"local_port": rtpSess.LocalPort(),
		"codec":      payloadType,
	}).Info("call answered, waiting for ACK")
}

// handleAck confirms the dialog; media starts here.
func (s *Server) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := callIDOf(req)
	s.mu.Lock()
	call, ok := s.calls[sipCallID]
	started := ok && call.stop != nil
	s.mu.Unlock()
	if !ok || started {
		return
	}

	from, to := "", ""
	if f := req.From(); f != nil {
		from = f.Address.User
	}
	if t := req.To(); t != nil {
		to = t.Address.User
	}

	ctx := s.engine.StartSIPCall(call.callID, from, to, 16000)
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	call.stop = cancel
	s.mu.Unlock()

	// synthesized replies: 16 kHz pipeline PCM down to 8 kHz G.711 frames
	s.coord.BindSink(call.callID, func(pcm []byte) error {
		call.rtp.Enqueue(media.Downsample2x(pcm))
		return nil
	})

	go call.rtp.recvLoop(func(pcm []byte) {
		s.coord.OnAudioFragment(call.callID, media.Upsample2x(pcm))
	})
	call.rtp.onSendFail = func() { s.endCall(sipCallID, "MediaFailure", "answered") }
	go call.rtp.sendLoop()
	go s.watchCall(runCtx, sipCallID, call)
	go s.engine.GreetAndListen(call.callID)

	s.log.WithField("sip_call_id", sipCallID).Info("media flowing")
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := callIDOf(req)
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	s.log.WithField("sip_call_id", sipCallID).Info("received BYE")
	s.endCall(sipCallID, "Bye", "answered")
}

func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := callIDOf(req)
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	s.endCall(sipCallID, "Cancelled", "missed")
}

func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	resp.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	_ = tx.Respond(resp)
}

// watchCall reaps the media session when the engine ends the call or the
// peer goes silent past the idle window.
func (s *Server) watchCall(ctx context.Context, sipCallID string, call *sipCall) {
	idle := s.cfg.RTPIdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.dropMedia(sipCallID)
			return
		case <-t.C:
			if call.rtp.IdleFor() > idle {
				s.log.WithField("sip_call_id", sipCallID).Warn("rtp idle timeout, ending call")
				s.endCall(sipCallID, "RTPIdle", "answered")
				return
			}
		}
	}
}

// endCall tears down both the media session and the engine state.
func (s *Server) endCall(sipCallID, reason, disposition string) {
	s.mu.Lock()
	call, ok := s.calls[sipCallID]
	delete(s.calls, sipCallID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if call.stop != nil {
		call.stop()
	}
	call.rtp.Close()
	s.engine.Teardown(call.callID, reason, disposition)
}

// dropMedia closes the RTP session without touching engine state, used
// when the engine already tore the call down.
func (s *Server) dropMedia(sipCallID string) {
	s.mu.Lock()
	call, ok := s.calls[sipCallID]
	delete(s.calls, sipCallID)
	s.mu.Unlock()
	if ok {
		call.rtp.Close()
	}
}

// dropCall removes a call that never reached media.
func (s *Server) dropCall(sipCallID string) {
	s.mu.Lock()
	call, ok := s.calls[sipCallID]
	delete(s.calls, sipCallID)
	s.mu.Unlock()
	if ok {
		call.rtp.Close()
	}
}

// allocRTP binds a UDP socket inside the configured media port range.
func (s *Server) allocRTP() (*net.UDPConn, error) {
	lo, hi := s.cfg.RTPPortMin, s.cfg.RTPPortMax
	if lo <= 0 || hi <= lo {
		return net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(s.cfg.LocalIP)})
	}
	for port := lo; port <= hi; port += 2 {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(s.cfg.LocalIP), Port: port})
		if err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("no free rtp port in %d-%d", lo, hi)
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

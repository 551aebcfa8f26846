package sip

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/sirupsen/logrus"

	"github.com/scrollDynasty/voiceaicargoprime/internal/utils"
)

// Registrar keeps our contact registered with the provider's SIP edge so
// inbound INVITEs reach us. The flow is the classic one: send REGISTER,
// get a 401 challenge, answer it with a digest, re-register before the
// binding expires.
type Registrar struct {
	server *Server
	log    *logrus.Logger

	// send delivers one REGISTER and returns the final response. It is
	// sendRegister in production; the indirection is the transport seam.
	send func(ctx context.Context, authorization string) (*sip.Response, error)

	cseq   uint32
	callID string
}

func randomToken(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

func NewRegistrar(server *Server, log *logrus.Logger) *Registrar {
	r := &Registrar{server: server, log: log}
	r.send = r.sendRegister
	return r
}

// Run registers and then re-registers on the configured interval until
// ctx ends. Failures back off and retry; a dropped registration heals on
// the next cycle.
func (r *Registrar) Run(ctx context.Context) {
	interval := r.server.cfg.RegisterInterval
	if interval <= 0 {
		interval = 50 * time.Second
	}

	for {
		if err := r.register(ctx); err != nil {
			r.log.WithError(err).Error("sip registration failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Second):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (r *Registrar) register(ctx context.Context) error {
	const op = "Registrar.register"
	cfg := r.server.cfg

	resp, err := r.send(ctx, "")
	if err != nil {
		return err
	}

	if resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired {
		headerName := "WWW-Authenticate"
		if resp.StatusCode == sip.StatusProxyAuthRequired {
			headerName = "Proxy-Authenticate"
		}
		h := resp.GetHeader(headerName)
		if h == nil {
			return utils.E(utils.CodeUnauthorized, op, "challenge response without auth header", nil)
		}
		challenge, err := digest.ParseChallenge(h.Value())
		if err != nil {
			return utils.E(utils.CodeInvalidArgument, op, "unparseable digest challenge", err)
		}

		username := cfg.AuthorizationID
		if username == "" {
			username = cfg.Username
		}
		cred, err := digest.Digest(challenge, digest.Options{
			Method:   sip.REGISTER.String(),
			URI:      "sip:" + cfg.Domain,
			Username: username,
			Password: cfg.Password,
		})
		if err != nil {
			return utils.E(utils.CodeUnauthorized, op, "digest computation failed", err)
		}

		resp, err = r.send(ctx, cred.String())
		if err != nil {
			return err
		}
	}

	switch {
	case resp.StatusCode == sip.StatusOK:
		r.log.WithField("domain", cfg.Domain).Info("sip registration refreshed")
		return nil
	case resp.StatusCode == sip.StatusUnauthorized, resp.StatusCode == sip.StatusForbidden:
		return utils.E(utils.CodeUnauthorized, op,
			fmt.Sprintf("registrar rejected credentials with %d", resp.StatusCode), nil)
	default:
		return utils.E(utils.CodeUnavailable, op,
			fmt.Sprintf("registrar returned %d %s", resp.StatusCode, resp.Reason), nil)
	}
}

func (r *Registrar) sendRegister(ctx context.Context, authorization string) (*sip.Response, error) {
	const op = "Registrar.sendRegister"
	cfg := r.server.cfg

	recipient := sip.Uri{Host: cfg.Domain}
	req := sip.NewRequest(sip.REGISTER, recipient)

	account := sip.Uri{User: cfg.Username, Host: cfg.Domain}
	from := &sip.FromHeader{Address: account, Params: sip.NewParams()}
	from.Params.Add("tag", randomToken(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: account})

	if r.callID == "" {
		r.callID = randomToken(24) + "@" + r.server.publicIP()
	}
	callID := sip.CallIDHeader(r.callID)
	req.AppendHeader(&callID)

	r.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: r.cseq, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{
		User: cfg.Username,
		Host: r.server.publicIP(),
		Port: cfg.Port,
	}})
	req.AppendHeader(sip.NewHeader("Expires", "3600"))
	if authorization != "" {
		req.AppendHeader(sip.NewHeader("Authorization", authorization))
	}

	tx, err := r.server.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "send REGISTER", err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, utils.E(utils.CodeUnavailable, op, "REGISTER transaction died", nil)
		case resp := <-tx.Responses():
			if resp.StatusCode/100 == 1 {
				continue
			}
			return resp, nil
		}
	}
}

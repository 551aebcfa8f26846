package engine

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/scrollDynasty/voiceaicargoprime/internal/models"
	"github.com/scrollDynasty/voiceaicargoprime/internal/utils"
)

// AnswerAPI is the slice of the control client the guard needs.
type AnswerAPI interface {
	Answer(ctx context.Context, sessionID, partyID, deviceID string) error
	PartyStatus(ctx context.Context, sessionID, partyID string) (*models.Party, error)
}

// Guard makes the answer action exactly-once per call. Webhook delivery
// retries the same Ringing event, so the in-progress marker is claimed
// under the guard's own lock before any network call; the slow provider
// round trip happens outside it. A failed attempt releases the marker so
// a later distinct event can retry.
type Guard struct {
	api AnswerAPI
	log *logrus.Logger

	mu        sync.Mutex
	attempted map[string]bool
}

func NewGuard(api AnswerAPI, log *logrus.Logger) *Guard {
	return &Guard{api: api, log: log, attempted: make(map[string]bool)}
}

// TryAnswer answers the leg once. It returns (false, nil) when another
// attempt already holds the marker, (true, nil) on success, and
// (false, err) when the attempt ran and failed.
func (g *Guard) TryAnswer(ctx context.Context, callID, sessionID, partyID, deviceID string) (bool, error) {
	const op = "Guard.TryAnswer"

	if deviceID == "" {
		return false, utils.E(utils.CodeInvalidArgument, op, "ringing event carried no deviceId", nil)
	}

	g.mu.Lock()
	if g.attempted[callID] {
		g.mu.Unlock()
		g.log.WithField("call_id", callID).Debug("answer already attempted, skipping")
		return false, nil
	}
	g.attempted[callID] = true
	g.mu.Unlock()

	if err := g.answer(ctx, op, sessionID, partyID, deviceID); err != nil {
		g.release(callID)
		return false, err
	}
	return true, nil
}

func (g *Guard) answer(ctx context.Context, op, sessionID, partyID, deviceID string) error {
	// Re-check the leg right before answering: a registered event can
	// arrive after the caller hung up or another client picked up.
	party, err := g.api.PartyStatus(ctx, sessionID, partyID)
	if err != nil {
		return err
	}
	switch party.Status.Code {
	case "Ringing", "Setup", "Proceeding":
		// answerable
	case "Answered":
		return utils.E(utils.CodeConflict, op, "party is already answered", nil)
	default:
		return utils.E(utils.CodeConflict, op, "party is in state "+party.Status.Code, nil)
	}

	return g.api.Answer(ctx, sessionID, partyID, deviceID)
}

// Release clears the marker, called on terminal events so the map does
// not grow without bound.
func (g *Guard) Release(callID string) { g.release(callID) }

func (g *Guard) release(callID string) {
	g.mu.Lock()
	delete(g.attempted, callID)
	g.mu.Unlock()
}

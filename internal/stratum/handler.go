package stratum

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/pplnspool/internal/job"
	"github.com/bardlex/pplnspool/internal/metrics"
	"github.com/bardlex/pplnspool/internal/miner"
	"github.com/bardlex/pplnspool/internal/store"
	"github.com/bardlex/pplnspool/internal/validation"
	"github.com/bardlex/pplnspool/pkg/errors"
	"github.com/bardlex/pplnspool/pkg/log"
)

// JobSource provides the job handed to newly connected miners.
type JobSource interface {
	CurrentJob() *job.Job
}

// ShareValidator checks submissions; satisfied by *validation.ShareValidator.
// Forget undoes the duplicate mark of a submission that was not recorded.
type ShareValidator interface {
	Validate(sub validation.Submission) validation.Result
	Forget(sub validation.Submission)
}

// ShareLedger durably records every share outcome and returns its share_id.
type ShareLedger interface {
	AppendShare(ctx context.Context, share *store.Share) (int64, error)
}

// BlockSink receives block solutions. BlockFound must persist the block
// before returning; submission to the node may continue in the background.
type BlockSink interface {
	BlockFound(ctx context.Context, block *store.Block) error
}

// MinerStore persists miner accounts
type MinerStore interface {
	UpsertMiner(ctx context.Context, m *store.Miner) error
	SetMinerActive(ctx context.Context, minerID string, active bool) error
}

// HandlerConfig holds the protocol settings of the handler
type HandlerConfig struct {
	Algorithm       string
	PoolDifficulty  float64
	ExtraNonce2Size int
	NetParams       *chaincfg.Params // nil accepts any well-formed address
}

// Deps are the collaborators of a Handler. Metrics may be nil.
type Deps struct {
	Jobs      JobSource
	Registry  *miner.Registry
	Validator ShareValidator
	Ledger    ShareLedger
	Blocks    BlockSink
	Miners    MinerStore
	Metrics   *metrics.Metrics
}

// MessageHandler implements the Stratum request state machine.
type MessageHandler struct {
	cfg  HandlerConfig
	deps Deps
	log  *log.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(cfg HandlerConfig, deps Deps, logger *log.Logger) *MessageHandler {
	return &MessageHandler{
		cfg:  cfg,
		deps: deps,
		log:  logger.WithComponent("handler"),
	}
}

// OnConnect registers the session and sends the initial difficulty and job.
func (h *MessageHandler) OnConnect(session *Session) error {
	if err := h.deps.Registry.Add(session.ID(), session.RemoteAddr()); err != nil {
		return err
	}
	h.sendWork(session)
	return nil
}

// OnDisconnect removes the session and marks its miner inactive unless
// another session is still authorized under the same username.
func (h *MessageHandler) OnDisconnect(ctx context.Context, session *Session) {
	removed, ok := h.deps.Registry.Remove(session.ID())
	if !ok || removed.Username == "" {
		return
	}

	for _, m := range h.deps.Registry.Snapshot() {
		if m.Authorized && m.Username == removed.Username {
			return
		}
	}

	if err := h.deps.Miners.SetMinerActive(ctx, removed.Username, false); err != nil {
		h.log.WithError(err).Warn("failed to mark miner inactive", "miner_id", removed.Username)
	}
}

// HandleRequest dispatches one decoded request
func (h *MessageHandler) HandleRequest(ctx context.Context, session *Session, req *Request) error {
	if req.ParamsErr != nil {
		return h.reject(session, req, ErrorInvalidParams, "Invalid parameters: "+req.ParamsErr.Error())
	}

	switch req.Kind {
	case KindSubscribe:
		return h.handleSubscribe(session, req)
	case KindAuthorize:
		return h.handleAuthorize(ctx, session, req)
	case KindSubmit:
		return h.handleSubmit(ctx, session, req)
	case KindNotify, KindSetDifficulty:
		return h.reject(session, req, ErrorMethodNotFound, "Method not supported from client")
	default:
		return h.reject(session, req, ErrorMethodNotFound, "Method not found")
	}
}

// reject answers with a JSON-RPC error and reports it as a protocol error.
func (h *MessageHandler) reject(session *Session, req *Request, code int, message string) error {
	h.deps.Metrics.ProtocolError()
	if err := session.SendError(req.ID, code, message); err != nil {
		h.log.WithError(err).Debug("failed to send error response")
	}
	return errors.ProtocolError(req.Method, message).WithContext("code", code)
}

func (h *MessageHandler) handleSubscribe(session *Session, req *Request) error {
	session.markSubscribed()

	h.log.Info("miner subscribed",
		"session_id", session.ID(),
		"user_agent", req.Subscribe.UserAgent,
	)

	subscriptions := []any{
		[]any{MethodSetDifficulty, session.ID()},
		[]any{MethodNotify, session.ID()},
	}
	return session.SendResponse(req.ID, []any{subscriptions, session.ExtraNonce1(), h.cfg.ExtraNonce2Size})
}

func (h *MessageHandler) handleAuthorize(ctx context.Context, session *Session, req *Request) error {
	username := req.Authorize.Username
	address, worker := miner.ParseUsername(username)

	logger := h.log.WithContext(ctx)
	if err := miner.ValidateAddress(address, h.cfg.NetParams); err != nil {
		logger.WithError(err).Info("authorization refused", "username", username)
		return session.SendResponse(req.ID, false)
	}

	if err := h.deps.Miners.UpsertMiner(ctx, &store.Miner{
		ID:            username,
		Username:      username,
		PayoutAddress: address,
		Algorithm:     h.cfg.Algorithm,
		IsActive:      true,
	}); err != nil {
		logger.WithError(err).Error("failed to persist miner", "username", username)
		return session.SendResponse(req.ID, false)
	}

	if err := h.deps.Registry.Authorize(session.ID(), username, address); err != nil {
		logger.WithError(err).Error("failed to register authorization", "username", username)
		return session.SendResponse(req.ID, false)
	}
	session.markAuthorized(username, address)

	logger.WithMiner(username, address).Info("miner authorized", "worker", worker)

	if err := session.SendResponse(req.ID, true); err != nil {
		return err
	}
	h.sendWork(session)
	return nil
}

func (h *MessageHandler) handleSubmit(ctx context.Context, session *Session, req *Request) error {
	if !session.IsAuthorized() {
		return h.reject(session, req, ErrorUnauthorized, "Unauthorized worker")
	}
	sub := req.Submit
	if sub.Username != session.Username() {
		return h.reject(session, req, ErrorUnauthorized, "Worker not authorized on this connection")
	}

	submission := validation.Submission{
		JobID:       sub.JobID,
		ExtraNonce1: session.ExtraNonce1(),
		ExtraNonce2: sub.ExtraNonce2,
		NTime:       sub.NTime,
		Nonce:       sub.Nonce,
	}
	res := h.deps.Validator.Validate(submission)

	shareDifficulty := session.Difficulty()
	if res.Job != nil {
		shareDifficulty = res.Job.PoolDifficulty
	}

	share := &store.Share{
		MinerID:     session.Username(),
		JobID:       sub.JobID,
		Nonce:       sub.Nonce,
		ExtraNonce2: sub.ExtraNonce2,
		Difficulty:  shareDifficulty,
		IsValid:     res.IsValid,
		IsBlock:     res.IsBlock,
		SubmittedAt: time.Now().UTC(),
	}

	shareID, err := h.deps.Ledger.AppendShare(ctx, share)
	if err != nil {
		// The miner may resubmit a share that was never recorded.
		if res.Hashed {
			h.deps.Validator.Forget(submission)
		}
		if sendErr := session.SendError(req.ID, ErrorOther, "Share not recorded"); sendErr != nil {
			h.log.WithError(sendErr).Debug("failed to send error response")
		}
		return err
	}

	status := shareStatus(res)
	h.deps.Registry.RecordShare(session.ID(), res.IsValid, shareDifficulty)
	h.deps.Metrics.ShareRecorded(status)
	h.log.WithShare(shareID, shareDifficulty).LogShareSubmission(share.MinerID, sub.JobID, shareDifficulty, status)
	if !res.IsValid {
		h.log.Debug("share rejected", "share_id", shareID, "reason", res.Reason)
	}

	if res.IsBlock {
		h.blockFound(ctx, shareID, share, res)
	}

	return session.SendResponse(req.ID, res.IsValid)
}

func (h *MessageHandler) blockFound(ctx context.Context, shareID int64, share *store.Share, res validation.Result) {
	block := &store.Block{
		Hash:    res.BlockHash(),
		Height:  res.Job.Height,
		MinerID: share.MinerID,
		JobID:   share.JobID,
		ShareID: shareID,
		Reward:  res.Job.Reward,
		Data:    hex.EncodeToString(res.Header),
	}

	logger := h.log.WithContext(ctx)
	logger.LogBlockFound(block.Hash, block.Height, block.MinerID, res.Job.ChainDifficulty)
	if err := h.deps.Blocks.BlockFound(ctx, block); err != nil {
		logger.WithError(err).Error("failed to record block", "block_hash", block.Hash)
	}
}

// sendWork sends the current difficulty and job, or only the configured
// difficulty before the first job exists.
func (h *MessageHandler) sendWork(session *Session) {
	j := h.deps.Jobs.CurrentJob()
	if j == nil {
		if err := session.SendDifficulty(h.cfg.PoolDifficulty); err != nil {
			h.log.WithError(err).Debug("failed to send difficulty")
		}
		return
	}

	if err := session.SendDifficulty(j.PoolDifficulty); err != nil {
		h.log.WithError(err).Debug("failed to send difficulty")
		return
	}
	if err := session.SendJob(j); err != nil {
		h.log.WithError(err).Debug("failed to send job")
	}
}

func shareStatus(res validation.Result) string {
	switch {
	case res.IsBlock:
		return "block"
	case res.IsValid:
		return "valid"
	default:
		return "invalid"
	}
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/betbot/copytrade/internal/queue"
	"github.com/betbot/copytrade/internal/store"
	"github.com/betbot/copytrade/pkg/usdc"
)

type tradeIntakeRequest struct {
	LeaderTradeID  string `json:"leaderTradeId,omitempty"`
	LeaderID       string `json:"leaderId"`
	MarketTicker   string `json:"marketTicker"`
	Side           string `json:"side"`
	Amount         string `json:"amount"` // USDC, decimal string
	TransactionSig string `json:"transactionSig,omitempty"`
}

// handleTradeIntake records a leader trade and fans it out. The response is
// 202 as soon as the trade row is persisted; follower-side outcomes never
// surface here. Replays of the same leaderTradeId are accepted and create no
// new jobs.
func (s *Server) handleTradeIntake(w http.ResponseWriter, r *http.Request) {
	var req tradeIntakeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, 400, fmt.Sprintf("bad request body: %v", err))
		return
	}
	if req.LeaderID == "" || req.MarketTicker == "" {
		writeError(w, 400, "leaderId and marketTicker are required")
		return
	}
	side := strings.ToLower(req.Side)
	if side != "yes" && side != "no" {
		writeError(w, 400, "side must be yes or no")
		return
	}
	amount, err := usdc.FromString(req.Amount)
	if err != nil || amount <= 0 {
		writeError(w, 400, "amount must be a positive USDC decimal")
		return
	}
	if req.LeaderTradeID == "" {
		req.LeaderTradeID = uuid.NewString()
	}

	trade := store.LeaderTrade{
		LeaderTradeID:  req.LeaderTradeID,
		LeaderID:       req.LeaderID,
		MarketTicker:   req.MarketTicker,
		Side:           side,
		AmountMicros:   amount,
		TransactionSig: req.TransactionSig,
		CreatedAt:      time.Now(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.InsertLeaderTrade(ctx, trade); err != nil {
		writeError(w, 500, fmt.Sprintf("persist trade: %v", err))
		return
	}

	// fan-out happens off the request; the dispatcher re-inserting the
	// trade row is a no-op
	go func() {
		dctx, dcancel := context.WithTimeout(context.Background(), time.Minute)
		defer dcancel()
		s.dispatcher.Dispatch(dctx, trade)
	}()

	writeJSON(w, 202, map[string]any{"ok": true, "leaderTradeId": trade.LeaderTradeID})
}

func (s *Server) handleTradeGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	trade, err := s.store.GetLeaderTrade(ctx, pathParam(r, "tradeID"))
	if err != nil {
		if errors.Is(err, store.ErrTradeNotFound) {
			writeError(w, 404, "trade not found")
			return
		}
		writeError(w, 500, fmt.Sprintf("db get trade: %v", err))
		return
	}
	writeJSON(w, 200, trade)
}

func (s *Server) handleTradeJobs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	jobs, err := s.store.ListJobsByTrade(ctx, pathParam(r, "tradeID"))
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db list jobs: %v", err))
		return
	}
	writeJSON(w, 200, jobs)
}

// handleQueueConsume is the delivery target: one POST per job message. A 2xx
// acks; any other status makes the queue redeliver with backoff.
func (s *Server) handleQueueConsume(w http.ResponseWriter, r *http.Request) {
	var msg queue.Message
	if err := readJSON(r, &msg); err != nil {
		writeError(w, 400, fmt.Sprintf("bad message body: %v", err))
		return
	}
	if msg.LeaderTradeID == "" || msg.FollowerID == "" {
		writeError(w, 400, "leaderTradeId and followerId are required")
		return
	}

	if err := s.worker.Execute(r.Context(), msg.LeaderTradeID, msg.FollowerID); err != nil {
		writeError(w, 500, fmt.Sprintf("execute job: %v", err))
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true})
}

func (s *Server) handleSweepNow(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	s.sweeper.SweepOnce(ctx)
	writeJSON(w, 202, map[string]any{"ok": true})
}

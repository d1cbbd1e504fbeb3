package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/betbot/copytrade/internal/delegation"
	"github.com/betbot/copytrade/internal/store"
)

// handleDelegationMessage returns the canonical text a wallet must
// personal_sign to delegate trading for this user.
func (s *Server) handleDelegationMessage(w http.ResponseWriter, r *http.Request) {
	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if wallet == "" {
		writeError(w, 400, "wallet query parameter is required")
		return
	}
	writeJSON(w, 200, map[string]any{
		"message": delegation.DelegationMessage(pathParam(r, "userID"), wallet),
	})
}

type delegationPutRequest struct {
	WalletAddress string `json:"walletAddress"`
	Signature     string `json:"signature"`
}

// handleDelegationPut stores a signed delegation. The signature is verified
// here before anything is written; the worker verifies again at execution
// time, so a row that somehow rots is still never traded on.
func (s *Server) handleDelegationPut(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "userID")

	var req delegationPutRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, 400, fmt.Sprintf("bad request body: %v", err))
		return
	}
	if req.WalletAddress == "" || req.Signature == "" {
		writeError(w, 400, "walletAddress and signature are required")
		return
	}
	if !delegation.Verify(userID, req.WalletAddress, req.Signature) {
		writeError(w, 400, "signature does not verify against walletAddress")
		return
	}

	now := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	err := s.store.UpsertDelegation(ctx, store.Delegation{
		UserID:        userID,
		WalletAddress: req.WalletAddress,
		Signature:     req.Signature,
		SignedAt:      &now,
	})
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db upsert delegation: %v", err))
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "signedAt": now})
}

func (s *Server) handleDelegationGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	d, err := s.store.GetDelegation(ctx, pathParam(r, "userID"))
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db get delegation: %v", err))
		return
	}
	if d == nil {
		writeError(w, 404, "delegation not found")
		return
	}
	// the stored signature stays server-side
	writeJSON(w, 200, map[string]any{
		"userId":        d.UserID,
		"walletAddress": d.WalletAddress,
		"signedAt":      d.SignedAt,
		"revokedAt":     d.RevokedAt,
	})
}

// handleDelegationRevoke is idempotent: revoking an absent or already-revoked
// delegation succeeds.
func (s *Server) handleDelegationRevoke(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.RevokeDelegation(ctx, pathParam(r, "userID")); err != nil {
		writeError(w, 500, fmt.Sprintf("db revoke delegation: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

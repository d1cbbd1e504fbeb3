package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/betbot/copytrade/internal/store"
	"github.com/betbot/copytrade/pkg/usdc"
)

type settingsPutRequest struct {
	AmountPerTrade string  `json:"amountPerTrade"` // USDC, decimal string
	MaxTotal       string  `json:"maxTotal"`
	Enabled        *bool   `json:"enabled,omitempty"`
	ExpiresAt      *string `json:"expiresAt,omitempty"` // RFC3339
}

// handleSettingsPut creates or replaces one (follower, leader) subscription.
// spent_micros survives a replace: raising maxTotal mid-flight must not reset
// what was already spent.
func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	followerID, leaderID := pathParam(r, "followerID"), pathParam(r, "leaderID")
	if followerID == leaderID {
		writeError(w, 400, "follower cannot copy themselves")
		return
	}

	var req settingsPutRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, 400, fmt.Sprintf("bad request body: %v", err))
		return
	}
	perTrade, err := usdc.FromString(req.AmountPerTrade)
	if err != nil || perTrade <= 0 {
		writeError(w, 400, "amountPerTrade must be a positive USDC decimal")
		return
	}
	maxTotal, err := usdc.FromString(req.MaxTotal)
	if err != nil || maxTotal <= 0 {
		writeError(w, 400, "maxTotal must be a positive USDC decimal")
		return
	}

	cs := store.CopySettings{
		FollowerID:           followerID,
		LeaderID:             leaderID,
		AmountPerTradeMicros: perTrade,
		MaxTotalMicros:       maxTotal,
		Enabled:              true,
	}
	if req.Enabled != nil {
		cs.Enabled = *req.Enabled
	}
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeError(w, 400, "expiresAt must be RFC3339")
			return
		}
		cs.ExpiresAt = &t
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.UpsertSettings(ctx, cs); err != nil {
		writeError(w, 500, fmt.Sprintf("db upsert settings: %v", err))
		return
	}
	out, err := s.store.GetSettings(ctx, followerID, leaderID)
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db get settings: %v", err))
		return
	}
	writeJSON(w, 200, out)
}

type settingsPatchRequest struct {
	AmountPerTrade *string `json:"amountPerTrade,omitempty"`
	MaxTotal       *string `json:"maxTotal,omitempty"`
	Enabled        *bool   `json:"enabled,omitempty"`
	ExpiresAt      *string `json:"expiresAt,omitempty"` // RFC3339; "" clears the expiry
}

func (s *Server) handleSettingsPatch(w http.ResponseWriter, r *http.Request) {
	followerID, leaderID := pathParam(r, "followerID"), pathParam(r, "leaderID")

	var req settingsPatchRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, 400, fmt.Sprintf("bad request body: %v", err))
		return
	}

	var p store.SettingsPatch
	if req.AmountPerTrade != nil {
		v, err := usdc.FromString(*req.AmountPerTrade)
		if err != nil || v <= 0 {
			writeError(w, 400, "amountPerTrade must be a positive USDC decimal")
			return
		}
		p.AmountPerTradeMicros = &v
	}
	if req.MaxTotal != nil {
		v, err := usdc.FromString(*req.MaxTotal)
		if err != nil || v <= 0 {
			writeError(w, 400, "maxTotal must be a positive USDC decimal")
			return
		}
		p.MaxTotalMicros = &v
	}
	p.Enabled = req.Enabled
	if req.ExpiresAt != nil {
		if *req.ExpiresAt == "" {
			p.ClearExpiry = true
		} else {
			t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
			if err != nil {
				writeError(w, 400, "expiresAt must be RFC3339")
				return
			}
			p.ExpiresAt = &t
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateSettings(ctx, followerID, leaderID, p); err != nil {
		if errors.Is(err, store.ErrSettingsNotFound) {
			writeError(w, 404, "settings not found")
			return
		}
		writeError(w, 500, fmt.Sprintf("db update settings: %v", err))
		return
	}
	out, err := s.store.GetSettings(ctx, followerID, leaderID)
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db get settings: %v", err))
		return
	}
	writeJSON(w, 200, out)
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	cs, err := s.store.GetSettings(ctx, pathParam(r, "followerID"), pathParam(r, "leaderID"))
	if err != nil {
		if errors.Is(err, store.ErrSettingsNotFound) {
			writeError(w, 404, "settings not found")
			return
		}
		writeError(w, 500, fmt.Sprintf("db get settings: %v", err))
		return
	}
	writeJSON(w, 200, cs)
}

func (s *Server) handleSettingsToggle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	enabled, err := s.store.ToggleEnabled(ctx, pathParam(r, "followerID"), pathParam(r, "leaderID"))
	if err != nil {
		if errors.Is(err, store.ErrSettingsNotFound) {
			writeError(w, 404, "settings not found")
			return
		}
		writeError(w, 500, fmt.Sprintf("db toggle settings: %v", err))
		return
	}
	writeJSON(w, 200, map[string]any{"enabled": enabled})
}

func (s *Server) handleFollowerJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	jobs, err := s.store.ListJobsByFollower(ctx, pathParam(r, "followerID"), limit)
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db list jobs: %v", err))
		return
	}
	writeJSON(w, 200, jobs)
}

package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/betbot/copytrade/internal/delegation"
	"github.com/betbot/copytrade/internal/fanout"
	"github.com/betbot/copytrade/internal/queue"
	"github.com/betbot/copytrade/internal/store"
	"github.com/betbot/copytrade/internal/venue"
)

type fakeVenue struct {
	mu       sync.Mutex
	requests int
}

func (f *fakeVenue) RequestOrder(context.Context, string, string, int64) (venue.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return venue.Order{Signature: fmt.Sprintf("0xsig%d", f.requests), Status: venue.StatusFilled}, nil
}

func (f *fakeVenue) PollStatus(context.Context, string) (venue.Status, error) {
	return venue.StatusFilled, nil
}

type testEngine struct {
	store  *store.Store
	router http.Handler
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	worker := fanout.NewWorker(st, delegation.NewAuthority(st), &fakeVenue{}, fanout.WorkerOptions{
		PollDeadline: time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	q := queue.NewInProc(func(ctx context.Context, msg queue.Message) error {
		return worker.Execute(ctx, msg.LeaderTradeID, msg.FollowerID)
	}, 0, time.Millisecond, 3)
	t.Cleanup(q.Close)

	dispatcher := fanout.NewDispatcher(st, q, 0)
	sweeper := fanout.NewSweeper(st, q, fanout.SweeperOptions{Interval: time.Hour})

	srv := New(st, dispatcher, worker, sweeper)
	return &testEngine{store: st, router: srv.Router()}
}

func (e *testEngine) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func signDelegation(t *testing.T, priv *ecdsa.PrivateKey, userID, wallet string) string {
	t.Helper()
	msg := delegation.DelegationMessage(userID, wallet)
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)))
	sig, err := crypto.Sign(hash.Bytes(), priv)
	if err != nil {
		t.Fatal(err)
	}
	sig[64] += 27
	return hexutil.Encode(sig)
}

func TestTradeIntakeEndToEnd(t *testing.T) {
	e := newTestEngine(t)

	w := e.do(t, "PUT", "/api/followers/bob/settings/alice", map[string]any{
		"amountPerTrade": "5",
		"maxTotal":       "100",
	})
	if w.Code != 200 {
		t.Fatalf("put settings: %d %s", w.Code, w.Body)
	}

	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	wallet := crypto.PubkeyToAddress(priv.PublicKey).Hex()
	w = e.do(t, "PUT", "/api/users/bob/delegation", map[string]any{
		"walletAddress": wallet,
		"signature":     signDelegation(t, priv, "bob", wallet),
	})
	if w.Code != 200 {
		t.Fatalf("put delegation: %d %s", w.Code, w.Body)
	}

	w = e.do(t, "POST", "/api/trades", map[string]any{
		"leaderId":     "alice",
		"marketTicker": "BTC-UP-15M",
		"side":         "yes",
		"amount":       "25",
	})
	if w.Code != 202 {
		t.Fatalf("trade intake: %d %s", w.Code, w.Body)
	}
	var accepted struct {
		LeaderTradeID string `json:"leaderTradeId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &accepted); err != nil {
		t.Fatal(err)
	}
	if accepted.LeaderTradeID == "" {
		t.Fatal("no leaderTradeId in intake response")
	}

	// fan-out and execution are async; poll the job inspection endpoint
	var jobs []store.CopyJob
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		w = e.do(t, "GET", "/api/trades/"+accepted.LeaderTradeID+"/jobs", nil)
		if w.Code != 200 {
			t.Fatalf("list jobs: %d %s", w.Code, w.Body)
		}
		jobs = nil
		if err := json.Unmarshal(w.Body.Bytes(), &jobs); err != nil {
			t.Fatal(err)
		}
		if len(jobs) == 1 && jobs[0].State.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(jobs) != 1 || jobs[0].State != store.JobSucceeded {
		t.Fatalf("jobs=%+v", jobs)
	}

	w = e.do(t, "GET", "/api/followers/bob/settings/alice", nil)
	var cs store.CopySettings
	if err := json.Unmarshal(w.Body.Bytes(), &cs); err != nil {
		t.Fatal(err)
	}
	if cs.SpentMicros != 5_000_000 {
		t.Fatalf("spent=%d", cs.SpentMicros)
	}

	// a duplicate queue delivery for the finished job is a clean ack
	w = e.do(t, "POST", "/queue/copy-jobs", queue.Message{
		LeaderTradeID: accepted.LeaderTradeID,
		FollowerID:    "bob",
	})
	if w.Code != 200 {
		t.Fatalf("duplicate delivery: %d %s", w.Code, w.Body)
	}
}

func TestTradeIntakeValidation(t *testing.T) {
	e := newTestEngine(t)

	cases := []map[string]any{
		{"leaderId": "alice", "marketTicker": "X", "side": "maybe", "amount": "5"},
		{"leaderId": "alice", "marketTicker": "X", "side": "yes", "amount": "-5"},
		{"leaderId": "alice", "marketTicker": "X", "side": "yes", "amount": "0.0000001"},
		{"leaderId": "", "marketTicker": "X", "side": "yes", "amount": "5"},
	}
	for i, body := range cases {
		if w := e.do(t, "POST", "/api/trades", body); w.Code != 400 {
			t.Errorf("case %d: code=%d body=%s", i, w.Code, w.Body)
		}
	}
}

func TestQueueConsumeUnknownJob(t *testing.T) {
	e := newTestEngine(t)
	w := e.do(t, "POST", "/queue/copy-jobs", queue.Message{LeaderTradeID: "ghost", FollowerID: "bob"})
	if w.Code != 500 {
		t.Fatalf("code=%d, unknown job must stay retryable", w.Code)
	}
}

func TestDelegationRejectsBadSignature(t *testing.T) {
	e := newTestEngine(t)
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	wallet := crypto.PubkeyToAddress(priv.PublicKey).Hex()

	// signed for a different user
	w := e.do(t, "PUT", "/api/users/carol/delegation", map[string]any{
		"walletAddress": wallet,
		"signature":     signDelegation(t, priv, "bob", wallet),
	})
	if w.Code != 400 {
		t.Fatalf("code=%d %s", w.Code, w.Body)
	}
	if w = e.do(t, "GET", "/api/users/carol/delegation", nil); w.Code != 404 {
		t.Fatalf("rejected delegation was stored: %d", w.Code)
	}
}

func TestSettingsValidationAndNotFound(t *testing.T) {
	e := newTestEngine(t)

	if w := e.do(t, "GET", "/api/followers/bob/settings/alice", nil); w.Code != 404 {
		t.Fatalf("get missing: %d", w.Code)
	}
	w := e.do(t, "PUT", "/api/followers/bob/settings/bob", map[string]any{
		"amountPerTrade": "5", "maxTotal": "100",
	})
	if w.Code != 400 {
		t.Fatalf("self-copy accepted: %d", w.Code)
	}
	w = e.do(t, "PUT", "/api/followers/bob/settings/alice", map[string]any{
		"amountPerTrade": "0", "maxTotal": "100",
	})
	if w.Code != 400 {
		t.Fatalf("zero amountPerTrade accepted: %d", w.Code)
	}
	if w := e.do(t, "PATCH", "/api/followers/bob/settings/alice", map[string]any{"enabled": false}); w.Code != 404 {
		t.Fatalf("patch missing: %d", w.Code)
	}
}

// Package delegation answers whether a follower has an active, unrevoked
// authorization permitting the engine to trade on their behalf. The engine
// never writes delegations itself; the wallet-signing flow does, through the
// API surface. Reads verify the stored signature instead of trusting a flag.
package delegation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrade/internal/store"
)

var log = logrus.WithField("component", "delegation")

// Status is the read contract consumed by the worker.
type Status struct {
	Valid    bool
	SignedAt *time.Time
}

type Reader interface {
	GetDelegation(ctx context.Context, userID string) (*store.Delegation, error)
}

type Authority struct {
	reader Reader
}

func NewAuthority(reader Reader) *Authority {
	return &Authority{reader: reader}
}

// DelegationMessage is the canonical text the follower's wallet signed
// (personal_sign). Changing it invalidates every stored delegation.
func DelegationMessage(userID, walletAddress string) string {
	return fmt.Sprintf("copytrade delegation v1\nuser: %s\nwallet: %s",
		userID, strings.ToLower(walletAddress))
}

// HasValidDelegation loads the delegation row and verifies it: not revoked,
// and the signature recovers to the declared wallet address. A malformed or
// forged signature yields valid=false, not an error.
func (a *Authority) HasValidDelegation(ctx context.Context, userID string) (Status, error) {
	d, err := a.reader.GetDelegation(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("load delegation: %w", err)
	}
	if d == nil || d.RevokedAt != nil {
		return Status{Valid: false}, nil
	}
	if !verifySignature(userID, d.WalletAddress, d.Signature) {
		log.WithField("user", userID).Warn("delegation signature did not verify")
		return Status{Valid: false, SignedAt: d.SignedAt}, nil
	}
	return Status{Valid: true, SignedAt: d.SignedAt}, nil
}

// Verify reports whether sigHex is a valid personal_sign by walletAddress
// over the canonical delegation message for userID. The write path calls this
// before a delegation row is accepted.
func Verify(userID, walletAddress, sigHex string) bool {
	return verifySignature(userID, walletAddress, sigHex)
}

func verifySignature(userID, walletAddress, sigHex string) bool {
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != 65 {
		return false
	}
	// 钱包返回的 v 通常是 27/28，go-ethereum 期望 0/1
	if sig[64] >= 27 {
		sig = append(append([]byte{}, sig[:64]...), sig[64]-27)
	}

	msg := DelegationMessage(userID, walletAddress)
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)))

	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return false
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return recovered == common.HexToAddress(walletAddress)
}

// Package fair implements the provably-fair coin outcome scheme.
//
// The server seed is generated when a game is created and only its SHA-256
// hash is published, so the commitment exists before the joiner contributes
// items. At join time an independent client seed is generated and the
// outcome is derived from SHA-256(serverSeed || clientSeed). Anyone holding
// both seeds and the published hash can re-derive the result.
package fair

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"coinflip-engine/internal/model"
)

// seedBytes is the entropy per seed, hex-encoded to 64 characters.
const seedBytes = 32

// Commitment is the pre-published half of the scheme.
type Commitment struct {
	ServerSeed     string
	ServerSeedHash string
}

// Outcome is the fully resolved draw.
type Outcome struct {
	ServerSeed       string
	ServerSeedHash   string
	ClientSeed       string
	NormalizedResult float64
	Side             model.Side
}

// NewCommitment generates a high-entropy server seed and its hash.
func NewCommitment() (Commitment, error) {
	seed, err := newSeed()
	if err != nil {
		return Commitment{}, fmt.Errorf("failed to generate server seed: %w", err)
	}
	return Commitment{
		ServerSeed:     seed,
		ServerSeedHash: hashHex([]byte(seed)),
	}, nil
}

// Resolve generates a client seed and derives the outcome from the given
// server seed.
func Resolve(serverSeed string) (Outcome, error) {
	clientSeed, err := newSeed()
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to generate client seed: %w", err)
	}

	result := normalize(serverSeed, clientSeed)
	return Outcome{
		ServerSeed:       serverSeed,
		ServerSeedHash:   hashHex([]byte(serverSeed)),
		ClientSeed:       clientSeed,
		NormalizedResult: result,
		Side:             sideOf(result),
	}, nil
}

// Generate produces a complete outcome with both seeds minted at once.
func Generate() (Outcome, error) {
	c, err := NewCommitment()
	if err != nil {
		return Outcome{}, err
	}
	return Resolve(c.ServerSeed)
}

// Verify recomputes the hash chain and the normalized result and checks
// exact equality. It is a pure function used for after-the-fact auditing.
func Verify(serverSeed, clientSeed, claimedHash string, claimedResult float64) bool {
	if hashHex([]byte(serverSeed)) != claimedHash {
		return false
	}
	return normalize(serverSeed, clientSeed) == claimedResult
}

// Winner applies the side-mapping rule: the creator wins iff the drawn side
// equals the side they picked.
func Winner(side, creatorSide model.Side, creatorID, joinerID int64) int64 {
	if side == creatorSide {
		return creatorID
	}
	return joinerID
}

// normalize maps the combined hash to [0,1): the first 4 bytes interpreted
// as a big-endian uint32, divided by 2^32-1.
func normalize(serverSeed, clientSeed string) float64 {
	combined := sha256.Sum256([]byte(serverSeed + clientSeed))
	n := binary.BigEndian.Uint32(combined[:4])
	return float64(n) / float64(^uint32(0))
}

func sideOf(result float64) model.Side {
	if result < 0.5 {
		return model.SideHeads
	}
	return model.SideTails
}

func newSeed() (string, error) {
	buf := make([]byte, seedBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

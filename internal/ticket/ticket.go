// Package ticket issues and verifies capacity tickets: JWT capability
// tokens that bound how much payload a memory file may accumulate.
//
// Adapted from the teacher's internal/auth.JWTManager — same Ed25519/EdDSA
// signing and ephemeral-key fallback for development, but the claims carry
// capacity_bytes and a monotonic seq_no instead of an agent identity.
package ticket

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashita-ai/memvid/internal/toc"
)

// issuerClaim is the fixed JWT issuer/audience for all memvid tickets.
const issuerClaim = "memvid"

// Claims extends jwt.RegisteredClaims with the capacity fields stored in
// the TOC's ticket record.
type Claims struct {
	jwt.RegisteredClaims
	SeqNo         uint64 `json:"seq_no"`
	CapacityBytes uint64 `json:"capacity_bytes"`
}

// Manager issues and verifies capacity tickets using Ed25519 signatures.
type Manager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewManager builds a Manager from PEM key files, or generates an ephemeral
// key pair when no paths are given (development/single-node use, where the
// same process that issues tickets also verifies them).
func NewManager(privateKeyPath, publicKeyPath string) (*Manager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("ticket: no signing key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("ticket: generate key pair: %w", err)
		}
		return &Manager{privateKey: priv, publicKey: pub}, nil
	}

	privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("ticket: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("ticket: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ticket: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("ticket: private key is not Ed25519")
	}

	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("ticket: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("ticket: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ticket: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ticket: public key is not Ed25519")
	}

	return &Manager{privateKey: edPriv, publicKey: edPub}, nil
}

// Issue creates a signed ticket string granting capacityBytes, with the
// given sequence number and optional expiry.
func (m *Manager) Issue(seqNo, capacityBytes uint64, expiry *time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuerClaim,
			Audience: jwt.ClaimStrings{issuerClaim},
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
		SeqNo:         seqNo,
		CapacityBytes: capacityBytes,
	}
	if expiry != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*expiry)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("ticket: sign: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a ticket string, returning the decoded claims.
func (m *Manager) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("ticket: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(issuerClaim),
		jwt.WithIssuer(issuerClaim),
	)
	if err != nil {
		return nil, fmt.Errorf("ticket: validate: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("ticket: invalid claims")
	}
	return claims, nil
}

// Apply verifies tokenStr against the manager and returns a new toc.Ticket
// built from its claims. It does not compare against current: the caller
// rejects a ticket whose sequence is not greater than current.SeqNo with
// errs.TicketSequence.
func (m *Manager) Apply(tokenStr string, current toc.Ticket) (toc.Ticket, error) {
	claims, err := m.Verify(tokenStr)
	if err != nil {
		return toc.Ticket{}, err
	}

	var expiry *int64
	if claims.ExpiresAt != nil {
		unix := claims.ExpiresAt.Unix()
		expiry = &unix
	}

	return toc.Ticket{
		Issuer:        claims.Issuer,
		SeqNo:         claims.SeqNo,
		CapacityBytes: claims.CapacityBytes,
		ExpiryUnix:    expiry,
		Verified:      true,
	}, nil
}

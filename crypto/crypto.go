package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNoSystemKey is returned when system signing is requested but no key was
// provisioned. This is a deployment fault, not a runtime condition.
var ErrNoSystemKey = errors.New("system signing key is not configured")

// Service provides ed25519 signature verification and system signing.
// Private keys for participants are generated client-side and never reach the
// server; the only private material held here is the service's own signing
// key used for receipts it issues on its own behalf.
type Service struct {
	systemKey ed25519.PrivateKey
	logger    *slog.Logger
}

// ChainEntry is one element of an ordered multi-party signature chain.
type ChainEntry struct {
	Party     string
	Message   []byte
	Signature string
}

// NewService constructs a Service. The seed is a base64-encoded 32-byte
// ed25519 seed; it may be empty, in which case SignAsSystem is unavailable.
func NewService(systemSeed string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{logger: logger}
	trimmed := strings.TrimSpace(systemSeed)
	if trimmed == "" {
		return svc, nil
	}
	seed, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid system key encoding: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("system key seed must be %d bytes", ed25519.SeedSize)
	}
	svc.systemKey = ed25519.NewKeyFromSeed(seed)
	return svc, nil
}

// VerifySignature checks an ed25519 signature over message. Malformed keys,
// malformed signatures and failed verifications all resolve to false;
// verification failure is a routine outcome and must never abort request
// handling.
func (s *Service) VerifySignature(publicKey string, message []byte, signature string) bool {
	key, err := decodePublicKey(publicKey)
	if err != nil {
		s.logger.Warn("signature verification rejected", "reason", err.Error())
		return false
	}
	sig, err := decodeSignature(signature)
	if err != nil {
		s.logger.Warn("signature verification rejected", "reason", err.Error())
		return false
	}
	if !ed25519.Verify(key, message, sig) {
		s.logger.Warn("signature verification failed")
		return false
	}
	return true
}

// SignAsSystem signs data with the service key and returns the base64
// signature.
func (s *Service) SignAsSystem(data []byte) (string, error) {
	if len(s.systemKey) == 0 {
		return "", ErrNoSystemKey
	}
	sig := ed25519.Sign(s.systemKey, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SystemPublicKey returns the base64 public half of the system key, or empty
// when no key is provisioned.
func (s *Service) SystemPublicKey() string {
	if len(s.systemKey) == 0 {
		return ""
	}
	pub := s.systemKey.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}

// VerifySignatureChain verifies an ordered list of party signatures against a
// lookup of public keys. It short-circuits on the first missing key or failed
// verification and reports which party broke the chain.
func (s *Service) VerifySignatureChain(entries []ChainEntry, publicKeys map[string]string) bool {
	for _, entry := range entries {
		key, ok := publicKeys[entry.Party]
		if !ok {
			s.logger.Warn("signature chain missing public key", "party", entry.Party)
			return false
		}
		if !s.VerifySignature(key, entry.Message, entry.Signature) {
			s.logger.Warn("signature chain verification failed", "party", entry.Party)
			return false
		}
	}
	return true
}

func decodePublicKey(encoded string) (ed25519.PublicKey, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, errors.New("public key must not be empty")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(keyBytes), nil
}

func decodeSignature(encoded string) ([]byte, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, errors.New("signature must not be empty")
	}
	sig, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes", ed25519.SignatureSize)
	}
	return sig, nil
}

package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Signer handles HMAC-SHA256 signing and verification for audit events.
// The signing key is generated on first use and kept next to the database.
type Signer struct {
	key []byte // 32-byte HMAC signing key
}

// NewSigner creates a new signer, loading or generating the HMAC key.
func NewSigner(dataDir string) (*Signer, error) {
	keyPath := filepath.Join(dataDir, ".signing.key")

	// Try to load existing key
	if encoded, err := os.ReadFile(keyPath); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(encoded)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode audit signing key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("invalid audit signing key length: got %d, want 32", len(key))
		}
		log.Debug().Msg("Loaded existing audit signing key")
		return &Signer{key: key}, nil
	}

	// Generate new key
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate audit signing key: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory for audit signing key: %w", err)
	}

	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("failed to save audit signing key: %w", err)
	}

	log.Info().Msg("Generated new audit signing key")
	return &Signer{key: key}, nil
}

// Sign computes an HMAC-SHA256 signature over the event's canonical form.
// Returns the hex-encoded signature.
func (s *Signer) Sign(event Event) string {
	canonical := s.canonicalForm(event)
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks if the event's signature matches its content.
func (s *Signer) Verify(event Event) bool {
	if event.Signature == "" {
		return false
	}

	expected := s.Sign(event)
	return hmac.Equal([]byte(expected), []byte(event.Signature))
}

// canonicalForm creates a deterministic string representation of an event for signing.
func (s *Signer) canonicalForm(event Event) string {
	success := "0"
	if event.Success {
		success = "1"
	}
	retried := "0"
	if event.Retried {
		retried = "1"
	}

	return event.ID + "|" +
		strconv.FormatInt(event.Timestamp.Unix(), 10) + "|" +
		event.EventType + "|" +
		event.RequestID + "|" +
		event.Caller + "|" +
		event.Cloud + "|" +
		event.Tool + "|" +
		event.Audience + "|" +
		success + "|" +
		event.ErrorKind + "|" +
		retried + "|" +
		strconv.FormatInt(event.DurationMS, 10) + "|" +
		event.Details
}

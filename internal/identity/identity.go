// Package identity owns the device keypair used to authenticate to the gateway.
package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/clawlink/internal/signer"
)

// StorageKey is the blob key the identity is persisted under.
const StorageKey = "device-identity-v1"

const storedVersion = 1

// ErrNotFound is returned by a BlobStore when the key has never been written.
var ErrNotFound = errors.New("identity: blob not found")

// BlobStore is durable storage for small opaque values.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// DeviceIdentity is the installation's signing keypair. DeviceID is always
// derived from PublicKey.
type DeviceIdentity struct {
	DeviceID   string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// PublicKeyBase64URL returns the public key in wire form.
func (d DeviceIdentity) PublicKeyBase64URL() string {
	return signer.EncodeBase64URL(d.PublicKey)
}

type storedIdentity struct {
	Version     int    `json:"version"`
	DeviceID    string `json:"deviceId"`
	PublicKey   string `json:"publicKey"`
	PrivateKey  string `json:"privateKey"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// DeriveDeviceID returns lowercase hex SHA-256 of the raw public key.
func DeriveDeviceID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Store loads or creates the device identity and caches it for the process lifetime.
type Store struct {
	blobs  BlobStore
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cached *DeviceIdentity
}

// NewStore returns a Store over blobs. A nil blobs keeps the identity in memory only.
func NewStore(blobs BlobStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{blobs: blobs, logger: logger, now: time.Now}
}

// LoadOrCreate returns the persisted identity, repairing or regenerating it as
// needed. Storage failures degrade to an in-memory identity rather than an error;
// only key generation failure is returned.
func (s *Store) LoadOrCreate(ctx context.Context) (DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return *s.cached, nil
	}

	storageOK := s.blobs != nil
	if storageOK {
		raw, err := s.blobs.Get(ctx, StorageKey)
		switch {
		case err == nil:
			if id, stored, ok := decodeStored(raw); ok {
				if stored.DeviceID != id.DeviceID {
					s.logger.Warn("device identity id mismatch; repairing",
						"stored_device_id", stored.DeviceID, "device_id", id.DeviceID)
					stored.DeviceID = id.DeviceID
					s.persist(ctx, stored)
				}
				s.cached = &id
				return id, nil
			}
			s.logger.Warn("stored device identity malformed; regenerating")
		case errors.Is(err, ErrNotFound):
		default:
			s.logger.Warn("device identity storage unavailable; using in-memory identity", "error", err)
			storageOK = false
		}
	}

	id, err := Generate()
	if err != nil {
		return DeviceIdentity{}, err
	}
	if storageOK {
		stored := storedIdentity{
			Version:     storedVersion,
			DeviceID:    id.DeviceID,
			PublicKey:   signer.EncodeBase64URL(id.PublicKey),
			PrivateKey:  base64.StdEncoding.EncodeToString(id.PrivateKey),
			CreatedAtMs: s.now().UnixMilli(),
		}
		s.persist(ctx, stored)
	}
	s.logger.Info("device identity created", "device_id", id.DeviceID, "persisted", storageOK)
	s.cached = &id
	return id, nil
}

func (s *Store) persist(ctx context.Context, stored storedIdentity) {
	encoded, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		s.logger.Warn("encode device identity", "error", err)
		return
	}
	if err := s.blobs.Put(ctx, StorageKey, encoded); err != nil {
		s.logger.Warn("persist device identity failed; identity held in memory", "error", err)
	}
}

// Generate creates a fresh keypair and derives its id.
func Generate() (DeviceIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return DeviceIdentity{DeviceID: DeriveDeviceID(pub), PublicKey: pub, PrivateKey: priv}, nil
}

func decodeStored(raw []byte) (DeviceIdentity, storedIdentity, bool) {
	var stored storedIdentity
	if err := json.Unmarshal(raw, &stored); err != nil {
		return DeviceIdentity{}, stored, false
	}
	if stored.Version != storedVersion {
		return DeviceIdentity{}, stored, false
	}
	pub, err := signer.DecodeBase64URL(stored.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return DeviceIdentity{}, stored, false
	}
	priv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(stored.PrivateKey))
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return DeviceIdentity{}, stored, false
	}
	// The private key embeds its public half; both must agree.
	if !bytes.Equal(ed25519.PrivateKey(priv).Public().(ed25519.PublicKey), pub) {
		return DeviceIdentity{}, stored, false
	}
	return DeviceIdentity{
		DeviceID:   DeriveDeviceID(pub),
		PublicKey:  ed25519.PublicKey(pub),
		PrivateKey: ed25519.PrivateKey(priv),
	}, stored, true
}

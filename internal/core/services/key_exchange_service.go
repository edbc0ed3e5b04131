package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"sync"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/shardmap"
	"camrelay/pkg/tracing"

	"go.uber.org/zap"
)

// gcmIVSize is the AES-GCM nonce length carried at the front of every envelope.
const gcmIVSize = 12

type KeyExchangeConfig struct {
	Enabled      bool
	KeySize      int // bits, for one-time keys
	Curve        string
	GCMTagLength int // bits
}

func DefaultKeyExchangeConfig() KeyExchangeConfig {
	return KeyExchangeConfig{
		Enabled:      true,
		KeySize:      256,
		Curve:        "secp256r1",
		GCMTagLength: 128,
	}
}

func curveByName(name string) (ecdh.Curve, error) {
	switch name {
	case "secp256r1", "P-256", "prime256v1":
		return ecdh.P256(), nil
	case "secp384r1", "P-384":
		return ecdh.P384(), nil
	case "secp521r1", "P-521":
		return ecdh.P521(), nil
	default:
		return nil, fmt.Errorf("unsupported curve %q", name)
	}
}

// KeyExchangeService derives per-session AES keys from ephemeral ECDH key
// pairs and seals payloads with AES-GCM. Key material lives in memory only.
type KeyExchangeService struct {
	cfg     KeyExchangeConfig
	curve   ecdh.Curve
	tagSize int
	logger  *zap.SugaredLogger
	metrics ports.MetricsRecorder

	userKeys    *shardmap.Map[domain.UserID, *ecdh.PrivateKey]
	sessionKeys *shardmap.Map[domain.SessionID, []byte]

	passThroughWarn sync.Once
}

func NewKeyExchangeService(cfg KeyExchangeConfig, shards int, logger *zap.SugaredLogger, metrics ports.MetricsRecorder) (*KeyExchangeService, error) {
	curve, err := curveByName(cfg.Curve)
	if err != nil {
		return nil, err
	}
	switch cfg.KeySize {
	case 128, 192, 256:
	default:
		return nil, fmt.Errorf("unsupported key size %d", cfg.KeySize)
	}
	if cfg.GCMTagLength < 96 || cfg.GCMTagLength > 128 || cfg.GCMTagLength%8 != 0 {
		return nil, fmt.Errorf("unsupported gcm tag length %d", cfg.GCMTagLength)
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}

	s := &KeyExchangeService{
		cfg:         cfg,
		curve:       curve,
		tagSize:     cfg.GCMTagLength / 8,
		logger:      logger,
		metrics:     metrics,
		userKeys:    shardmap.New[domain.UserID, *ecdh.PrivateKey](shards),
		sessionKeys: shardmap.New[domain.SessionID, []byte](shards),
	}

	metrics.SetEncryptionEnabled(cfg.Enabled)
	if !cfg.Enabled {
		logger.Warnw("encryption disabled: payloads are only base64 encoded and have no confidentiality")
	}
	return s, nil
}

func (s *KeyExchangeService) Capabilities() domain.EncryptionCapabilities {
	return domain.EncryptionCapabilities{
		Enabled:      s.cfg.Enabled,
		Algorithm:    "AES-GCM",
		KeyExchange:  "ECDH",
		Curve:        s.cfg.Curve,
		KeySize:      s.cfg.KeySize,
		GCMTagLength: s.cfg.GCMTagLength,
		IVLength:     gcmIVSize * 8,
	}
}

// GenerateKeyPair creates a fresh key pair for user, replacing any previous
// one, and returns the base64 SubjectPublicKeyInfo of the public key.
func (s *KeyExchangeService) GenerateKeyPair(ctx context.Context, user domain.UserID) (string, error) {
	if !s.cfg.Enabled {
		return "", domain.ErrEncryptionDisabled
	}

	priv, err := s.curve.GenerateKey(rand.Reader)
	if err != nil {
		return "", s.fail(ctx, "generate_key_pair", "", err)
	}
	der, err := x509.MarshalPKIXPublicKey(priv.PublicKey())
	if err != nil {
		return "", s.fail(ctx, "generate_key_pair", "", err)
	}

	s.userKeys.Set(user, priv)
	s.metrics.CryptoOperation("generate_key_pair", nil)
	s.logger.Debugw("key pair generated", "user_id", user, "curve", s.cfg.Curve)
	return base64.StdEncoding.EncodeToString(der), nil
}

// EstablishSharedSecret derives the session key from user1's private key and
// user2's public key.
func (s *KeyExchangeService) EstablishSharedSecret(ctx context.Context, session domain.SessionID, user1, user2 domain.UserID) error {
	if !s.cfg.Enabled {
		return domain.ErrEncryptionDisabled
	}
	ctx, span := tracing.TraceCrypto(ctx, "establish", string(session))
	defer span.End()

	priv1, ok := s.userKeys.Get(user1)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrMissingKeyPair, user1)
	}
	priv2, ok := s.userKeys.Get(user2)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrMissingKeyPair, user2)
	}

	return s.deriveSessionKey(ctx, session, priv1, priv2.PublicKey())
}

// EstablishSharedSecretWithPublicKey derives the session key from the local
// user's private key and an externally supplied base64 SPKI public key.
func (s *KeyExchangeService) EstablishSharedSecretWithPublicKey(ctx context.Context, session domain.SessionID, user domain.UserID, peerPublicKey string) error {
	if !s.cfg.Enabled {
		return domain.ErrEncryptionDisabled
	}
	ctx, span := tracing.TraceCrypto(ctx, "establish_with_public_key", string(session))
	defer span.End()

	priv, ok := s.userKeys.Get(user)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrMissingKeyPair, user)
	}

	pub, err := s.parsePublicKey(peerPublicKey)
	if err != nil {
		s.metrics.CryptoOperation("establish_shared_secret", err)
		s.logger.Warnw("peer public key rejected", "session_id", session, "user_id", user, "error", err)
		return err
	}

	return s.deriveSessionKey(ctx, session, priv, pub)
}

func (s *KeyExchangeService) parsePublicKey(b64 string) (*ecdh.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not base64", domain.ErrInvalidKey)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKey, err)
	}

	var pub *ecdh.PublicKey
	switch k := parsed.(type) {
	case *ecdsa.PublicKey:
		if pub, err = k.ECDH(); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKey, err)
		}
	case *ecdh.PublicKey:
		pub = k
	default:
		return nil, fmt.Errorf("%w: not an EC public key", domain.ErrInvalidKey)
	}

	if pub.Curve() != s.curve {
		return nil, fmt.Errorf("%w: curve mismatch", domain.ErrInvalidKey)
	}
	return pub, nil
}

func (s *KeyExchangeService) deriveSessionKey(ctx context.Context, session domain.SessionID, priv *ecdh.PrivateKey, pub *ecdh.PublicKey) error {
	secret, err := priv.ECDH(pub)
	if err != nil {
		return s.fail(ctx, "establish_shared_secret", session, fmt.Errorf("%w: %v", domain.ErrInvalidKey, err))
	}
	key := sha256.Sum256(secret)
	s.sessionKeys.Set(session, key[:])

	s.metrics.CryptoOperation("establish_shared_secret", nil)
	s.logger.Infow("session key established", "session_id", session)
	return nil
}

// GenerateOneTimeKey stores a random AES key for session and returns it
// base64 encoded.
func (s *KeyExchangeService) GenerateOneTimeKey(ctx context.Context, session domain.SessionID) (string, error) {
	if !s.cfg.Enabled {
		return "", domain.ErrEncryptionDisabled
	}

	key := make([]byte, s.cfg.KeySize/8)
	if _, err := rand.Read(key); err != nil {
		return "", s.fail(ctx, "generate_one_time_key", session, err)
	}
	s.sessionKeys.Set(session, key)

	s.metrics.CryptoOperation("generate_one_time_key", nil)
	s.logger.Infow("one-time session key generated", "session_id", session)
	return base64.StdEncoding.EncodeToString(key), nil
}

// SetSessionKey installs a caller supplied AES key.
func (s *KeyExchangeService) SetSessionKey(ctx context.Context, session domain.SessionID, keyB64 string) error {
	if !s.cfg.Enabled {
		return domain.ErrEncryptionDisabled
	}

	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return fmt.Errorf("%w: session key is not base64", domain.ErrInvalidKey)
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("%w: session key must be 16, 24 or 32 bytes", domain.ErrInvalidKey)
	}
	s.sessionKeys.Set(session, key)
	s.logger.Infow("session key installed", "session_id", session)
	return nil
}

// Encrypt seals plaintext under the session key and returns
// base64(IV || ciphertext || tag). A new random IV is drawn for every call.
// With encryption disabled the plaintext is only base64 encoded.
func (s *KeyExchangeService) Encrypt(ctx context.Context, session domain.SessionID, plaintext []byte) (string, error) {
	if !s.cfg.Enabled {
		s.warnPassThrough()
		return base64.StdEncoding.EncodeToString(plaintext), nil
	}

	aead, err := s.aeadFor(session)
	if err != nil {
		return "", err
	}

	out := make([]byte, gcmIVSize, gcmIVSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return "", s.fail(ctx, "encrypt", session, err)
	}
	out = aead.Seal(out, out[:gcmIVSize], plaintext, nil)

	s.metrics.CryptoOperation("encrypt", nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (s *KeyExchangeService) Decrypt(ctx context.Context, session domain.SessionID, envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, s.fail(ctx, "decrypt", session, fmt.Errorf("%w: envelope is not base64", domain.ErrCryptoFailure))
	}
	if !s.cfg.Enabled {
		s.warnPassThrough()
		return raw, nil
	}

	aead, err := s.aeadFor(session)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcmIVSize+aead.Overhead() {
		return nil, s.fail(ctx, "decrypt", session, fmt.Errorf("%w: envelope too short", domain.ErrCryptoFailure))
	}

	plaintext, err := aead.Open(nil, raw[:gcmIVSize], raw[gcmIVSize:], nil)
	if err != nil {
		return nil, s.fail(ctx, "decrypt", session, fmt.Errorf("%w: authentication failed", domain.ErrCryptoFailure))
	}

	s.metrics.CryptoOperation("decrypt", nil)
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func (s *KeyExchangeService) aeadFor(session domain.SessionID) (cipher.AEAD, error) {
	key, ok := s.sessionKeys.Get(session)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoSessionKey, session)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, s.tagSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCryptoFailure, err)
	}
	return aead, nil
}

func (s *KeyExchangeService) HasSessionKey(session domain.SessionID) bool {
	_, ok := s.sessionKeys.Get(session)
	return ok
}

func (s *KeyExchangeService) RemoveSessionKey(session domain.SessionID) {
	if _, ok := s.sessionKeys.Delete(session); ok {
		s.logger.Debugw("session key removed", "session_id", session)
	}
}

func (s *KeyExchangeService) RemoveUserKeyPair(user domain.UserID) {
	if _, ok := s.userKeys.Delete(user); ok {
		s.logger.Debugw("key pair removed", "user_id", user)
	}
}

func (s *KeyExchangeService) warnPassThrough() {
	s.passThroughWarn.Do(func() {
		s.logger.Warnw("encryption disabled: serving base64 pass-through envelopes")
	})
}

func (s *KeyExchangeService) fail(ctx context.Context, op string, session domain.SessionID, err error) error {
	tracing.RecordError(ctx, err)
	s.metrics.CryptoOperation(op, err)
	s.logger.Warnw("crypto operation failed", "operation", op, "session_id", session, "error", err)
	return err
}

var (
	_ ports.KeyExchangeService = (*KeyExchangeService)(nil)
	_ ports.SessionKeyRemover  = (*KeyExchangeService)(nil)
)

// Package crypto manages the bridge operator's local key material: the
// Schnorr signing key used to authenticate gossip and the
// wallet key used in the MuSig2 federation pubkey, plus a
// cache of verified-signature results so the duty executor doesn't re-verify
// the same gossip message twice.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/scrypt"

	"github.com/basinrollup/basin/primitives"
)

// KeyPurpose distinguishes the two keys an operator holds: the key that authenticates gossip/checkpoint signatures,
// and the key that participates in the MuSig2 wallet aggregate key.
type KeyPurpose uint8

const (
	PurposeSigning KeyPurpose = iota
	PurposeWallet
)

func (p KeyPurpose) String() string {
	if p == PurposeWallet {
		return "wallet"
	}
	return "signing"
}

// KeystoreConfig tunes the scrypt KDF used to derive the AES key a
// passphrase encrypts keys under.
type KeystoreConfig struct {
	ScryptN int // CPU/memory cost parameter, must be a power of two
	ScryptR int // block size parameter
	ScryptP int // parallelization parameter
	KeyDir  string
}

// DefaultKeystoreConfig matches the standard go-ethereum-style "light"
// scrypt tuning: fast enough for operator CLI use, still memory-hard.
func DefaultKeystoreConfig() KeystoreConfig {
	return KeystoreConfig{
		ScryptN: 1 << 12,
		ScryptR: 8,
		ScryptP: 1,
		KeyDir:  "keystore",
	}
}

// EncryptedKey holds one operator key, encrypted at rest.
type EncryptedKey struct {
	Operator   primitives.OperatorIdx
	Purpose    KeyPurpose
	Pubkey     primitives.Buf32 // BIP-340 x-only pubkey
	CipherText []byte
	IV         []byte
	Salt       []byte
	MAC        []byte
}

type keyID struct {
	operator primitives.OperatorIdx
	purpose  KeyPurpose
}

// Keystore manages encrypted operator keys, thread-safe for concurrent
// access from the duty executor's worker pool.
type Keystore struct {
	mu     sync.RWMutex
	config KeystoreConfig
	keys   map[keyID]*EncryptedKey
}

// NewKeystore creates a new Keystore. Zero-valued config fields fall back
// to DefaultKeystoreConfig's values.
func NewKeystore(config KeystoreConfig) *Keystore {
	d := DefaultKeystoreConfig()
	if config.ScryptN == 0 {
		config.ScryptN = d.ScryptN
	}
	if config.ScryptR == 0 {
		config.ScryptR = d.ScryptR
	}
	if config.ScryptP == 0 {
		config.ScryptP = d.ScryptP
	}
	if config.KeyDir == "" {
		config.KeyDir = d.KeyDir
	}
	return &Keystore{config: config, keys: make(map[keyID]*EncryptedKey)}
}

// StoreKey encrypts privKey (a 32-byte secp256k1 scalar) under passphrase
// and stores it under (operator, purpose), keyed by its derived x-only
// pubkey.
func (ks *Keystore) StoreKey(operator primitives.OperatorIdx, purpose KeyPurpose, privKey []byte, passphrase string) (*EncryptedKey, error) {
	if len(privKey) != 32 {
		return nil, errors.New("crypto: private key must be 32 bytes")
	}
	priv, pub := btcec.PrivKeyFromBytes(privKey)
	defer priv.Zero()

	pubkey, err := primitives.Buf32FromSlice(schnorr.SerializePubKey(pub))
	if err != nil {
		return nil, err
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("crypto: generating iv: %w", err)
	}

	derived, err := deriveKey(passphrase, salt, ks.config)
	if err != nil {
		return nil, err
	}

	cipherText, err := ctrCrypt(privKey, derived[:16], iv)
	if err != nil {
		return nil, err
	}
	mac := computeMAC(derived[16:32], iv, cipherText)

	ek := &EncryptedKey{
		Operator:   operator,
		Purpose:    purpose,
		Pubkey:     pubkey,
		CipherText: cipherText,
		IV:         iv,
		Salt:       salt,
		MAC:        mac,
	}

	ks.mu.Lock()
	ks.keys[keyID{operator, purpose}] = ek
	ks.mu.Unlock()
	return ek, nil
}

// LoadKey decrypts and returns the 32-byte private key for (operator, purpose).
func (ks *Keystore) LoadKey(operator primitives.OperatorIdx, purpose KeyPurpose, passphrase string) ([]byte, error) {
	ks.mu.RLock()
	ek, ok := ks.keys[keyID{operator, purpose}]
	ks.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("crypto: no %s key stored for operator %d", purpose, operator)
	}

	derived, err := deriveKey(passphrase, ek.Salt, ks.config)
	if err != nil {
		return nil, err
	}

	expectedMAC := computeMAC(derived[16:32], ek.IV, ek.CipherText)
	if subtle.ConstantTimeCompare(expectedMAC, ek.MAC) != 1 {
		return nil, errors.New("crypto: wrong passphrase (MAC mismatch)")
	}

	return ctrCrypt(ek.CipherText, derived[:16], ek.IV)
}

// HasKey reports whether a key is stored for (operator, purpose).
func (ks *Keystore) HasKey(operator primitives.OperatorIdx, purpose KeyPurpose) bool {
	ks.mu.RLock()
	_, ok := ks.keys[keyID{operator, purpose}]
	ks.mu.RUnlock()
	return ok
}

// DeleteKey removes the stored key for (operator, purpose).
func (ks *Keystore) DeleteKey(operator primitives.OperatorIdx, purpose KeyPurpose) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	id := keyID{operator, purpose}
	if _, ok := ks.keys[id]; !ok {
		return fmt.Errorf("crypto: no %s key stored for operator %d", purpose, operator)
	}
	delete(ks.keys, id)
	return nil
}

// deriveKey runs scrypt over passphrase+salt to produce a 32-byte key: the
// first 16 bytes are the AES-CTR key, the last 16 bytes are the MAC key
// (mirrors the standard Ethereum keystore-v3 key-splitting convention).
func deriveKey(passphrase string, salt []byte, cfg KeystoreConfig) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, cfg.ScryptN, cfg.ScryptR, cfg.ScryptP, 32)
}

func computeMAC(macKey, iv, cipherText []byte) []byte {
	h := hmac.New(sha256.New, macKey)
	h.Write(iv)
	h.Write(cipherText)
	return h.Sum(nil)
}

func ctrCrypt(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: building AES cipher: %w", err)
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out, nil
}

// Package keyring is the trust boundary for the oracle's signing key.
// It loads entropy once per process, derives child public keys, produces
// Schnorr signatures over caller-supplied nonces, and derives the
// deterministic per-event nonces. Everything outside this package handles
// secrets as opaque hex strings.
package keyring

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"github.com/cadena-bitcoin/cadena-oracle/pkg/helpers"
)

// Keyring errors.
var (
	ErrNotInitialized = errors.New("keyring not initialized")
	ErrSecretFormat   = errors.New("invalid secret payload")
	ErrSigning        = errors.New("signing failed")
)

// nonceRootInfo is the HKDF info string for the nonce root key.
// Changing it would change every published nonce; never touch it.
const nonceRootInfo = "cadena/oracle/nonce/v1"

// Keyring holds the oracle signing key, derived once from entropy.
type Keyring struct {
	network    Network
	params     *chaincfg.Params
	accountKey *hdkeychain.ExtendedKey // m/84'/coin'/0'
	signingKey *hdkeychain.ExtendedKey // m/84'/coin'/0'/0
	nonceRoot  [32]byte

	mu         sync.Mutex
	childCache map[uint32]*btcec.PrivateKey
}

// New initializes a keyring from raw BIP-39 entropy. One-shot: the
// returned keyring is the only handle to the key material.
func New(entropy []byte, network Network) (*Keyring, error) {
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("invalid entropy: %w", err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	defer helpers.ZeroBytes(seed)

	params := &chaincfg.MainNetParams
	coinType := uint32(0)
	if network == NetworkSignet {
		params = &chaincfg.SigNetParams
		coinType = 1
	}

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}

	// BIP-84 account: m/84'/coin'/0'
	purposeKey, err := master.Derive(hdkeychain.HardenedKeyStart + 84)
	if err != nil {
		return nil, fmt.Errorf("failed to derive purpose key: %w", err)
	}
	coinKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + coinType)
	if err != nil {
		return nil, fmt.Errorf("failed to derive coin key: %w", err)
	}
	accountKey, err := coinKey.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive account key: %w", err)
	}
	signingKey, err := accountKey.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing chain: %w", err)
	}

	k := &Keyring{
		network:    network,
		params:     params,
		accountKey: accountKey,
		signingKey: signingKey,
		childCache: make(map[uint32]*btcec.PrivateKey),
	}

	// The nonce root keys the deterministic nonce derivation. It is bound
	// to the seed but independent of the signing chain.
	r := hkdf.New(sha256.New, seed, nil, []byte(nonceRootInfo))
	if _, err := io.ReadFull(r, k.nonceRoot[:]); err != nil {
		return nil, fmt.Errorf("failed to derive nonce root: %w", err)
	}

	return k, nil
}

// Network returns the network the keyring was initialized for.
func (k *Keyring) Network() Network {
	return k.network
}

// XPub returns the account extended public key (m/84'/coin'/0').
func (k *Keyring) XPub() (string, error) {
	if k == nil || k.accountKey == nil {
		return "", ErrNotInitialized
	}
	neutered, err := k.accountKey.Neuter()
	if err != nil {
		return "", fmt.Errorf("failed to neuter account key: %w", err)
	}
	return neutered.String(), nil
}

// childPrivKey derives and caches the private key for a child index,
// m/84'/coin'/0'/0/child.
func (k *Keyring) childPrivKey(child uint32) (*btcec.PrivateKey, error) {
	if k == nil || k.signingKey == nil {
		return nil, ErrNotInitialized
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if priv, ok := k.childCache[child]; ok {
		return priv, nil
	}

	childKey, err := k.signingKey.Derive(child)
	if err != nil {
		return nil, fmt.Errorf("failed to derive child %d: %w", child, err)
	}
	priv, err := childKey.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract child key %d: %w", child, err)
	}
	k.childCache[child] = priv
	return priv, nil
}

// PublicKey returns the x-only public key for a child index, hex encoded
// (64 characters).
func (k *Keyring) PublicKey(child uint32) (string, error) {
	priv, err := k.childPrivKey(child)
	if err != nil {
		return "", err
	}
	return helpers.BytesToHex(schnorr.SerializePubKey(priv.PubKey())), nil
}

// Address returns the P2WPKH address for a child index. Display only,
// used by the secret CLI to let the operator cross-check the seed.
func (k *Keyring) Address(child uint32) (string, error) {
	priv, err := k.childPrivKey(child)
	if err != nil {
		return "", err
	}
	hash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, k.params)
	if err != nil {
		return "", fmt.Errorf("failed to build address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

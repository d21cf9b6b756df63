package keyring

import (
	"crypto/sha256"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cadena-bitcoin/cadena-oracle/pkg/helpers"
)

// DeterministicNonce derives the (secret, public) nonce pair for one digit
// of one event. Pure function of the loaded key and the inputs: the same
// (event_id, digit_index) always yields the same pair, so a restarted
// process recommits to identical public nonces.
//
// The secret scalar is RFC6979 over SHA-256(event_id ":" digit_index),
// keyed by the HKDF nonce root, normalized so R has an even Y; the public
// part is the 32-byte x coordinate of R.
func (k *Keyring) DeterministicNonce(eventID string, digitIndex int) (string, string, error) {
	if k == nil || k.signingKey == nil {
		return "", "", ErrNotInitialized
	}

	msg := sha256.Sum256([]byte(eventID + ":" + strconv.Itoa(digitIndex)))
	sec := secp256k1.NonceRFC6979(k.nonceRoot[:], msg[:], nil, nil, 0)
	if sec.IsZero() {
		return "", "", fmt.Errorf("%w: derived zero nonce", ErrSigning)
	}

	var r secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(sec, &r)
	r.ToAffine()
	if r.Y.IsOdd() {
		sec.Negate()
	}

	var secBytes, pubBytes [32]byte
	sec.PutBytes(&secBytes)
	r.X.PutBytes(&pubBytes)
	sec.Zero()

	secHex := helpers.BytesToHex(secBytes[:])
	pubHex := helpers.BytesToHex(pubBytes[:])
	helpers.ZeroBytes(secBytes[:])

	return secHex, pubHex, nil
}

// SignSchnorrWithNonce produces a BIP-340 signature over SHA-256(msg)
// using the caller-supplied secret nonce and the child signing key.
// Deterministic: identical inputs produce byte-identical signatures.
// Returns the 64-byte signature as 128 hex characters.
//
// Reusing the same nonce to sign two different messages under the same key
// leaks the private key; the scheduler guarantees one message per nonce.
func (k *Keyring) SignSchnorrWithNonce(msg string, secNonceHex string, child uint32) (string, error) {
	priv, err := k.childPrivKey(child)
	if err != nil {
		return "", err
	}

	nonceBytes, err := helpers.HexToBytes32(secNonceHex)
	if err != nil {
		return "", fmt.Errorf("%w: bad nonce: %v", ErrSigning, err)
	}
	var secNonce btcec.ModNScalar
	if overflow := secNonce.SetBytes(&nonceBytes); overflow != 0 {
		return "", fmt.Errorf("%w: nonce out of range", ErrSigning)
	}
	helpers.ZeroBytes(nonceBytes[:])
	if secNonce.IsZero() {
		return "", fmt.Errorf("%w: zero nonce", ErrSigning)
	}

	msgHash := sha256.Sum256([]byte(msg))

	sig, err := signWithNonce(priv, &secNonce, msgHash)
	secNonce.Zero()
	if err != nil {
		return "", err
	}
	return helpers.BytesToHex(sig), nil
}

// signWithNonce implements BIP-340 signing with an explicit nonce scalar:
//
//	d = priv (negated if P has odd Y)
//	R = k*G  (k negated if R has odd Y)
//	e = tagged_hash("BIP0340/challenge", R.x || P.x || m)
//	s = k + e*d
//	sig = R.x || s
func signWithNonce(priv *btcec.PrivateKey, secNonce *btcec.ModNScalar, msgHash [32]byte) ([]byte, error) {
	d := new(btcec.ModNScalar).Set(&priv.Key)
	pub := priv.PubKey()
	if pub.SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd {
		d.Negate()
	}

	kScalar := new(btcec.ModNScalar).Set(secNonce)
	var r secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(kScalar, &r)
	r.ToAffine()
	if r.Y.IsOdd() {
		kScalar.Negate()
	}

	var rBytes [32]byte
	r.X.PutBytes(&rBytes)

	pubBytes := schnorr.SerializePubKey(pub)
	commitment := chainhash.TaggedHash(chainhash.TagBIP0340Challenge, rBytes[:], pubBytes, msgHash[:])

	var e btcec.ModNScalar
	e.SetBytes((*[32]byte)(commitment))

	s := new(btcec.ModNScalar).Mul2(&e, d).Add(kScalar)
	sig := schnorr.NewSignature(&r.X, s)

	d.Zero()
	kScalar.Zero()

	// A failed self-check means the nonce and key disagree; refuse to
	// publish rather than emit an unverifiable attestation.
	if !sig.Verify(msgHash[:], pub) {
		return nil, fmt.Errorf("%w: signature failed verification", ErrSigning)
	}

	return sig.Serialize(), nil
}

// VerifySchnorr checks a hex signature over SHA-256(msg) against an
// x-only hex public key. Used by tests and diagnostics.
func VerifySchnorr(msg, sigHex, pubKeyHex string) (bool, error) {
	sigBytes, err := helpers.HexToBytes(sigHex)
	if err != nil {
		return false, fmt.Errorf("bad signature hex: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, fmt.Errorf("bad signature: %w", err)
	}
	pubBytes, err := helpers.HexToBytes(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("bad pubkey hex: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return false, fmt.Errorf("bad pubkey: %w", err)
	}
	msgHash := sha256.Sum256([]byte(msg))
	return sig.Verify(msgHash[:], pub), nil
}

package keyring

import (
	"crypto/sha256"
	"fmt"

	"github.com/cadena-bitcoin/cadena-oracle/pkg/helpers"
)

// Secret file format: hex-encoded XOR-encrypted payload.
// Plaintext layout:
//
//	byte 0        network tag (0 = mainnet, 4 = signet)
//	byte 1        entropy length L
//	byte 2        BIP-39 checksum byte of the entropy
//	bytes 3..3+L  entropy
//
// The XOR key is SHA-256("Secret Entropy Storage Genesis " || password),
// repeated over the payload.
const (
	secretKeyHashMessage = "Secret Entropy Storage Genesis "
	minSecretPayloadLen  = 17
)

// Network selects the key derivation network.
type Network byte

// Recognized networks and their secret-file tag bytes.
const (
	NetworkMainnet Network = 0
	NetworkSignet  Network = 4
)

// String returns the network name.
func (n Network) String() string {
	switch n {
	case NetworkSignet:
		return "signet"
	default:
		return "mainnet"
	}
}

// networkFromByte decodes a network tag byte.
func networkFromByte(b byte) (Network, error) {
	switch Network(b) {
	case NetworkMainnet:
		return NetworkMainnet, nil
	case NetworkSignet:
		return NetworkSignet, nil
	}
	return NetworkMainnet, fmt.Errorf("%w: invalid network byte %d (check the encryption password and the secret file)", ErrSecretFormat, b)
}

// encryptionKeyFromPassword derives the 32-byte XOR key from a password.
func encryptionKeyFromPassword(password string) []byte {
	h := sha256.Sum256([]byte(secretKeyHashMessage + password))
	return h[:]
}

// xorBytes XORs data with a repeating key. Symmetric.
func xorBytes(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out
}

// ChecksumOfEntropy returns the BIP-39 checksum of an entropy:
// the top len(entropy)/4 bits of SHA-256(entropy), as one byte.
func ChecksumOfEntropy(entropy []byte) (byte, error) {
	bits := len(entropy) * 8 / 32
	if bits < 4 || bits > 8 {
		return 0, fmt.Errorf("%w: unsupported entropy length %d", ErrSecretFormat, len(entropy))
	}
	h := sha256.Sum256(entropy)
	return h[0] >> (8 - bits), nil
}

// EncodeSecretFile builds the hex-encoded encrypted secret payload.
func EncodeSecretFile(entropy []byte, network Network, password string) (string, error) {
	checksum, err := ChecksumOfEntropy(entropy)
	if err != nil {
		return "", err
	}

	plain := make([]byte, 0, 3+len(entropy))
	plain = append(plain, byte(network), byte(len(entropy)), checksum)
	plain = append(plain, entropy...)

	key := encryptionKeyFromPassword(password)
	encrypted := xorBytes(plain, key)
	helpers.ZeroBytes(plain)

	return helpers.BytesToHex(encrypted), nil
}

// ParseSecretFile decrypts and validates a secret payload, returning the
// entropy and network. A wrong password surfaces as a format error since
// decryption then yields garbage.
func ParseSecretFile(hexPayload, password string) ([]byte, Network, error) {
	raw, err := helpers.HexToBytes(hexPayload)
	if err != nil {
		return nil, NetworkMainnet, fmt.Errorf("%w: %v", ErrSecretFormat, err)
	}
	if len(raw) < minSecretPayloadLen {
		return nil, NetworkMainnet, fmt.Errorf("%w: payload too short (%d bytes)", ErrSecretFormat, len(raw))
	}

	key := encryptionKeyFromPassword(password)
	decrypted := xorBytes(raw, key)

	network, err := networkFromByte(decrypted[0])
	if err != nil {
		return nil, NetworkMainnet, err
	}
	entropyLen := int(decrypted[1])
	checksumRead := decrypted[2]
	entropy := decrypted[3:]

	if entropyLen != len(entropy) {
		return nil, network, fmt.Errorf("%w: entropy length mismatch, %d vs %d (check the encryption password and the secret file)",
			ErrSecretFormat, entropyLen, len(entropy))
	}

	checksumComputed, err := ChecksumOfEntropy(entropy)
	if err != nil {
		return nil, network, err
	}
	if checksumRead != checksumComputed {
		return nil, network, fmt.Errorf("%w: checksum mismatch, %d vs %d (check the encryption password and the secret file)",
			ErrSecretFormat, checksumRead, checksumComputed)
	}

	return entropy, network, nil
}

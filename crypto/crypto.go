// Package crypto provides the signature primitives the bridge validator's
// keystore builds on: secp256k1 (deterministic ECDSA per RFC 6979),
// plus the Keccak-256 hash used for address derivation and transfer id
// derivation.
package crypto

import (
	stdecdsa "crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/tos-network/bridgevalidator/common"
)

// SignatureLength is the length of a secp256k1 signature in [R || S || V] form.
const SignatureLength = 64 + 1

var (
	ErrInvalidPrivateKey = errors.New("crypto: invalid private key")
	ErrInvalidSignature  = errors.New("crypto: invalid signature")
	ErrInvalidPubkey     = errors.New("crypto: invalid public key")
)

// Keccak256 returns the Keccak-256 digest of the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}

// Keccak256Hash returns the Keccak-256 digest as a common.Hash.
func Keccak256Hash(data ...[]byte) common.Hash {
	return common.BytesToHash(Keccak256(data...))
}

// GenerateSecp256k1Key generates a new secp256k1 private key.
func GenerateSecp256k1Key() (*stdecdsa.PrivateKey, error) {
	k, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return k.ToECDSA(), nil
}

// ToSecp256k1 parses a 32-byte big-endian scalar into a private key.
func ToSecp256k1(d []byte) (*stdecdsa.PrivateKey, error) {
	if len(d) != 32 {
		return nil, ErrInvalidPrivateKey
	}
	priv, _ := btcec.PrivKeyFromBytes(d)
	if priv == nil {
		return nil, ErrInvalidPrivateKey
	}
	return priv.ToECDSA(), nil
}

// FromSecp256k1 returns the 32-byte big-endian scalar of a private key.
func FromSecp256k1(priv *stdecdsa.PrivateKey) []byte {
	return btcec.PrivKeyFromScalar(&priv.D).Serialize()
}

// CompressPubkey returns the 33-byte compressed form of a secp256k1 public key.
func CompressPubkey(pub *stdecdsa.PublicKey) []byte {
	btcPub := btcec.NewPublicKey(pub.X, pub.Y)
	return btcPub.SerializeCompressed()
}

// DecompressPubkey parses a 33-byte compressed secp256k1 public key.
func DecompressPubkey(data []byte) (*stdecdsa.PublicKey, error) {
	if len(data) != 33 {
		return nil, ErrInvalidPubkey
	}
	pub, err := btcec.ParsePubKey(data)
	if err != nil {
		return nil, ErrInvalidPubkey
	}
	return pub.ToECDSA(), nil
}

// UnmarshalPubkey parses an uncompressed ("04"-prefixed, 65-byte) secp256k1
// public key.
func UnmarshalPubkey(pub []byte) (*stdecdsa.PublicKey, error) {
	if len(pub) != 65 || pub[0] != 4 {
		return nil, ErrInvalidPubkey
	}
	x, y := elliptic.Unmarshal(btcec.S256(), pub)
	if x == nil {
		return nil, ErrInvalidPubkey
	}
	return &stdecdsa.PublicKey{Curve: btcec.S256(), X: x, Y: y}, nil
}

// FromECDSAPub returns the uncompressed 65-byte encoding of a public key.
func FromECDSAPub(pub *stdecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return elliptic.Marshal(btcec.S256(), pub.X, pub.Y)
}

// PubkeyToAddress derives the 20-byte address of a secp256k1 public key:
// the low 20 bytes of the Keccak-256 hash of the uncompressed key body.
func PubkeyToAddress(pub stdecdsa.PublicKey) common.Address {
	buf := FromECDSAPub(&pub)
	return common.BytesToAddress(Keccak256(buf[1:]))
}

// Sign produces a deterministic (RFC 6979) [R || S || V] signature of hash
// (which must be exactly 32 bytes) under priv.
func Sign(hash []byte, priv *stdecdsa.PrivateKey) ([]byte, error) {
	if len(hash) != 32 {
		return nil, ErrInvalidSignature
	}
	btcPriv := btcec.PrivKeyFromScalar(&priv.D)
	sig := btcecdsa.SignCompact(btcPriv, hash, false)
	if len(sig) != 65 {
		return nil, ErrInvalidSignature
	}
	// btcec's compact form is [V || R || S]; re-order to [R || S || V] with
	// V normalized to 0/1 to match the wire format the rest of the tree uses.
	out := make([]byte, 65)
	copy(out[:64], sig[1:])
	out[64] = (sig[0] - 27) & 1
	return out, nil
}

// VerifySignature checks a [R || S] or [R || S || V] signature against an
// uncompressed or compressed public key and a 32-byte hash.
func VerifySignature(pubkey, hash, signature []byte) bool {
	if len(signature) < 64 || len(hash) != 32 {
		return false
	}
	var pub *stdecdsa.PublicKey
	var err error
	switch len(pubkey) {
	case 33:
		pub, err = DecompressPubkey(pubkey)
	case 65:
		pub, err = UnmarshalPubkey(pubkey)
	default:
		return false
	}
	if err != nil {
		return false
	}
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:64])
	return stdecdsa.Verify(pub, hash, r, s)
}

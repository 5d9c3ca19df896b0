// Package keystore implements the validator node's signer abstraction (C1):
// a fixed set of supported signature algorithms, an in-memory key handle
// whose private material never leaves process memory, and the sign/verify
// operations the rest of the node calls to produce and check validator
// signatures over canonical transfer messages.
//
// The algorithm surface and wire layout are adapted from the multi-scheme
// signer dispatch the chain's own transaction signer uses, with the
// ristretto255/elgamal scheme dropped: it depends on an internal elliptic
// curve implementation that has no counterpart in the library set available
// to this tree, and BLS12-381 already covers the aggregate-friendly use case
// elgamal served there.
package keystore

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	blst "github.com/supranational/blst/bindings/go"

	"github.com/tos-network/bridgevalidator/common"
	"github.com/tos-network/bridgevalidator/crypto"
)

// Algorithm identifies a supported signature scheme. The set is closed:
// callers must not invent new values at runtime.
type Algorithm byte

const (
	// AlgorithmUnknown is the zero value and is never a valid key algorithm.
	AlgorithmUnknown Algorithm = iota
	AlgorithmSecp256k1
	AlgorithmSecp256r1
	AlgorithmEd25519
	AlgorithmBLS12381
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmSecp256k1:
		return "secp256k1"
	case AlgorithmSecp256r1:
		return "secp256r1"
	case AlgorithmEd25519:
		return "ed25519"
	case AlgorithmBLS12381:
		return "bls12-381"
	default:
		return "unknown"
	}
}

// ParseAlgorithm normalizes a config-supplied algorithm name. An empty
// string defaults to secp256k1, matching the Open Question decision
// recorded in the design notes: a node configured without an explicit
// sig_alg signs with the same curve the destination chains already verify.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "secp256k1":
		return AlgorithmSecp256k1, nil
	case "secp256r1":
		return AlgorithmSecp256r1, nil
	case "ed25519":
		return AlgorithmEd25519, nil
	case "bls12-381", "bls12381", "bls":
		return AlgorithmBLS12381, nil
	default:
		return AlgorithmUnknown, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
}

const (
	bls12381PrivateKeyLen = 32
)

var (
	ErrUnknownAlgorithm = errors.New("keystore: unknown algorithm")
	ErrInvalidKey       = errors.New("keystore: invalid key material")
	ErrInvalidSignature = errors.New("keystore: invalid signature")
)

var bls12381SignDst = []byte("BRIDGE_VALIDATOR_BLS12381G2_XMD:SHA-256_SSWU_RO_")

// Key is a signer handle for one algorithm. Its private material is held
// only in process memory for the life of the handle; Key never serializes
// its own secret.
type Key struct {
	mu   sync.RWMutex
	alg  Algorithm
	pub  []byte // canonical public key encoding for alg
	priv privateMaterial
}

// privateMaterial is the algorithm-specific secret carried by a Key. It is
// an unexported interface so that callers outside this package cannot hold
// a reference to raw key bytes.
type privateMaterial interface {
	isPrivateMaterial()
}

type secp256k1Material struct{ key *ecdsa.PrivateKey }
type secp256r1Material struct{ key *ecdsa.PrivateKey }
type ed25519Material struct{ key ed25519.PrivateKey }
type bls12381Material struct{ key *blst.SecretKey }

func (secp256k1Material) isPrivateMaterial() {}
func (secp256r1Material) isPrivateMaterial() {}
func (ed25519Material) isPrivateMaterial()   {}
func (bls12381Material) isPrivateMaterial()  {}

// Generate creates a new random key handle for alg.
func Generate(alg Algorithm) (*Key, error) {
	switch alg {
	case AlgorithmSecp256k1:
		priv, err := crypto.GenerateSecp256k1Key()
		if err != nil {
			return nil, err
		}
		return &Key{alg: alg, pub: crypto.FromECDSAPub(&priv.PublicKey), priv: secp256k1Material{priv}}, nil
	case AlgorithmSecp256r1:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		return &Key{alg: alg, pub: marshalP256Pubkey(&priv.PublicKey), priv: secp256r1Material{priv}}, nil
	case AlgorithmEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return &Key{alg: alg, pub: append([]byte(nil), pub...), priv: ed25519Material{priv}}, nil
	case AlgorithmBLS12381:
		ikm := make([]byte, bls12381PrivateKeyLen)
		if _, err := rand.Read(ikm); err != nil {
			return nil, err
		}
		sk := blst.KeyGen(ikm)
		if sk == nil {
			return nil, ErrInvalidKey
		}
		pub := new(blst.P1Affine).From(sk).Compress()
		return &Key{alg: alg, pub: pub, priv: bls12381Material{sk}}, nil
	default:
		return nil, ErrUnknownAlgorithm
	}
}

// FromSecp256k1Bytes wraps an existing 32-byte secp256k1 scalar, the path
// operators use to load a key from an external secret manager at startup.
func FromSecp256k1Bytes(d []byte) (*Key, error) {
	priv, err := crypto.ToSecp256k1(d)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return &Key{alg: AlgorithmSecp256k1, pub: crypto.FromECDSAPub(&priv.PublicKey), priv: secp256k1Material{priv}}, nil
}

// LoadFromFile reads the node's signing key from the keystore_path
// configuration option: a single line of hex-encoded secp256k1 scalar
// bytes, optionally 0x-prefixed. Startup must fail hard if this key
// cannot be loaded, since a node cannot validate without one.
func LoadFromFile(path string) (*Key, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "0x")
	d, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode %s: %w", path, err)
	}
	key, err := FromSecp256k1Bytes(d)
	if err != nil {
		return nil, fmt.Errorf("keystore: %s: %w", path, err)
	}
	return key, nil
}

func marshalP256Pubkey(pub *ecdsa.PublicKey) []byte {
	return elliptic.Marshal(elliptic.P256(), pub.X, pub.Y)
}

// Algorithm reports the key's signature scheme.
func (k *Key) Algorithm() Algorithm {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.alg
}

// PublicKey returns the canonical public key encoding for the key's
// algorithm. The returned slice is a defensive copy.
func (k *Key) PublicKey() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return common.CopyBytes(k.pub)
}

// Address derives the chain-style address associated with this key,
// following the same per-algorithm derivation the peer directory uses to
// identify validators.
func (k *Key) Address() common.Address {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return deriveAddress(k.alg, k.pub)
}

func deriveAddress(alg Algorithm, pub []byte) common.Address {
	switch alg {
	case AlgorithmSecp256k1:
		if len(pub) != 65 {
			return common.Address{}
		}
		return common.BytesToAddress(crypto.Keccak256(pub[1:]))
	default:
		return common.BytesToAddress(crypto.Keccak256(pub))
	}
}

// Sign produces a signature over a 32-byte message hash. The hash must
// already be the canonical message digest (see the transfer package's
// encoding); this method never hashes or re-encodes its input.
func (k *Key) Sign(hash common.Hash) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	switch m := k.priv.(type) {
	case secp256k1Material:
		return crypto.Sign(hash[:], m.key)
	case secp256r1Material:
		r, s, err := ecdsa.Sign(rand.Reader, m.key, hash[:])
		if err != nil {
			return nil, err
		}
		return encodeRS(r, s), nil
	case ed25519Material:
		return ed25519.Sign(m.key, hash[:]), nil
	case bls12381Material:
		return new(blst.P2Affine).Sign(m.key, hash[:], bls12381SignDst).Compress(), nil
	default:
		return nil, ErrUnknownAlgorithm
	}
}

func encodeRS(r, s *big.Int) []byte {
	out := make([]byte, 64)
	rb, sb := r.Bytes(), s.Bytes()
	copy(out[32-len(rb):32], rb)
	copy(out[64-len(sb):], sb)
	return out
}

// Verify checks signature against message hash and a canonical public key
// for the given algorithm. It is a static method: callers verify peer
// signatures without holding any private key.
func Verify(alg Algorithm, pub []byte, hash common.Hash, signature []byte) bool {
	switch alg {
	case AlgorithmSecp256k1:
		if len(pub) != 65 && len(pub) != 33 {
			return false
		}
		return crypto.VerifySignature(pub, hash[:], signature)
	case AlgorithmSecp256r1:
		if len(pub) != 65 || pub[0] != 0x04 || len(signature) < 64 {
			return false
		}
		x, y := elliptic.Unmarshal(elliptic.P256(), pub)
		if x == nil {
			return false
		}
		r := new(big.Int).SetBytes(signature[:32])
		s := new(big.Int).SetBytes(signature[32:64])
		return ecdsa.Verify(&ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, hash[:], r, s)
	case AlgorithmEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub), hash[:], signature)
	case AlgorithmBLS12381:
		var dummy blst.P2Affine
		return dummy.VerifyCompressed(signature, true, pub, true, hash[:], bls12381SignDst)
	default:
		return false
	}
}

// AggregateBLS12381 combines per-validator BLS12-381 signatures over the
// same message into a single aggregate signature, letting the aggregator
// package carry an n-of-n bundle as a constant-size object when every
// signer uses this algorithm.
func AggregateBLS12381(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, ErrInvalidSignature
	}
	agg := new(blst.P2Aggregate)
	if !agg.AggregateCompressed(signatures, true) {
		return nil, ErrInvalidSignature
	}
	out := agg.ToAffine()
	if out == nil {
		return nil, ErrInvalidSignature
	}
	return out.Compress(), nil
}

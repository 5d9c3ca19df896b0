// Package config decodes and validates the bridge validator node's
// configuration: the closed option set of spec §6, loaded from TOML the
// same way the chain client's own node configs are, via naoina/toml.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/naoina/toml"

	"github.com/tos-network/bridgevalidator/aggregator"
	"github.com/tos-network/bridgevalidator/params"
)

// tomlSettings mirrors the chain client's own TOML decoding conventions:
// field names are matched case-insensitively against the snake_case keys
// the option table uses, and an unrecognized field in the file is a hard
// decode error rather than silently ignored.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return strings.ToLower(strings.ReplaceAll(key, "_", ""))
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return strings.ToLower(field)
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("config: field %q not found in type %s", field, rt.String())
	},
}

// Config is the closed set of options external operators may set.
type Config struct {
	ValidatorID   string `toml:"validator_id"`
	KeystorePath  string `toml:"keystore_path"`
	Threshold     uint64 `toml:"threshold"`
	TotalValidators uint64 `toml:"total_validators"`
	SecurityLevel params.SecurityLevel `toml:"security_level"`

	FinalityDepthSource uint64 `toml:"finality_depth_source"`
	FinalityDepthDest   uint64 `toml:"finality_depth_dest"`

	RPCURLSource string `toml:"rpc_url_source"`
	RPCURLDest   string `toml:"rpc_url_dest"`

	CoordStoreURL string `toml:"coord_store_url"`

	EmergencyContacts []string `toml:"emergency_contacts"`
	MaxAutoResponses  int      `toml:"max_auto_responses"`

	// AllowUnsafeThreshold lets threshold start below the ceil(2n/3)+1
	// byzantine safety floor. When it is not set, such a threshold is
	// refused at start-up.
	AllowUnsafeThreshold bool `toml:"allow_unsafe_threshold"`
}

// Default fills in the conservative defaults for fields an operator left
// unset; security-level-derived values (scan interval, snapshot
// retention) are computed from params, not stored redundantly here.
func Default() Config {
	return Config{
		SecurityLevel:     params.SecurityStandard,
		MaxAutoResponses:  5,
		FinalityDepthSource: 12,
		FinalityDepthDest:   12,
	}
}

var (
	ErrMissingValidatorID = errors.New("config: validator_id must be set")
	ErrMissingKeystorePath = errors.New("config: keystore_path must be set")
	ErrMissingRPCURL      = errors.New("config: rpc_url_source and rpc_url_dest must be set")
	ErrMissingCoordStore  = errors.New("config: coord_store_url must be set")
	ErrInvalidTotal       = errors.New("config: total_validators must be > 0")
	ErrBelowSafetyFloor   = errors.New("config: threshold is below the byzantine safety floor; set allow_unsafe_threshold to start anyway")
	ErrInvalidSecurityLevel = errors.New("config: security_level must be standard, enhanced, or military")
)

// Validate enforces the closed option set's invariants, in particular
// the `t >= ceil(2n/3)+1` threshold floor unless AllowUnsafeThreshold
// opts out of the hard refusal.
func (c Config) Validate() error {
	if c.ValidatorID == "" {
		return ErrMissingValidatorID
	}
	if c.KeystorePath == "" {
		return ErrMissingKeystorePath
	}
	if c.RPCURLSource == "" || c.RPCURLDest == "" {
		return ErrMissingRPCURL
	}
	if c.CoordStoreURL == "" {
		return ErrMissingCoordStore
	}
	if c.TotalValidators == 0 {
		return ErrInvalidTotal
	}
	switch c.SecurityLevel {
	case params.SecurityStandard, params.SecurityEnhanced, params.SecurityMilitary:
	default:
		return ErrInvalidSecurityLevel
	}
	floor := aggregator.RequiredQuorumWeight(c.TotalValidators)
	threshold := c.Threshold
	if threshold == 0 {
		threshold = floor
	}
	if threshold < floor && !c.AllowUnsafeThreshold {
		return ErrBelowSafetyFloor
	}
	return nil
}

// Load reads and decodes a TOML config file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses TOML config from r, starting from Default() so unset
// fields keep their conservative defaults.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	if err := tomlSettings.NewDecoder(r).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

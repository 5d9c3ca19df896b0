// Copyright 2015 The go-ehtereum Authors
// Copyright 2023 Terminos Network
// This file is part of the tos library.
//
// The tos library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The tos library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the tos library. If not, see <http://www.gnu.org/licenses/>.

package params

import "time"

// Per-tick and per-RPC timeouts shared across components.
const (
	ObserverScanTimeout      = 30 * time.Second
	RPCCallTimeout           = 10 * time.Second
	RPCMaxRetries            = 3
	GossipRoundTimeout       = 2 * time.Minute
	ExecutionConfirmTimeout  = 5 * time.Minute
	HeartbeatProduceInterval = 10 * time.Second
	HeartbeatConsumeTTL      = 30 * time.Second
	PeerRegistrationTTL      = 5 * time.Minute
)

// SecurityLevel scales scan frequency and snapshot retention per the
// configuration option of the same name.
type SecurityLevel string

const (
	SecurityStandard SecurityLevel = "standard"
	SecurityEnhanced SecurityLevel = "enhanced"
	SecurityMilitary SecurityLevel = "military"
)

// SnapshotRetention returns how many snapshots to keep for a security level.
func SnapshotRetention(level SecurityLevel) int {
	switch level {
	case SecurityEnhanced:
		return 20
	case SecurityMilitary:
		return 100
	default:
		return 5
	}
}

// ScanInterval returns the observer tick interval for a security level:
// higher security levels scan more often at the cost of RPC load.
func ScanInterval(level SecurityLevel) time.Duration {
	switch level {
	case SecurityEnhanced:
		return 5 * time.Second
	case SecurityMilitary:
		return 2 * time.Second
	default:
		return 7 * time.Second
	}
}

// Exit codes, matching the external interface contract.
const (
	ExitNormal                  = 0
	ExitInvalidConfiguration    = 1
	ExitKeystoreLoadFailure     = 2
	ExitUnrecoverableEmergency  = 3
)

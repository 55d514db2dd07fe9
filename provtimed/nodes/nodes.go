// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package nodes carries the static roster of trusted collection nodes.  A
// production deployment would source this from an on-chain registry; until
// then the roster ships with the daemon.
package nodes

// Node statuses.
const (
	StatusVerified = "Verified"
	StatusSyncing  = "Syncing"
	StatusOffline  = "Offline"
)

// Node describes a registered collection node.
type Node struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Location string `json:"location"`
	Status   string `json:"status"`
}

var registered = []Node{
	{
		ID:       "A-101",
		Type:     "eDNA Sensor",
		Location: "Amazon Rainforest (Manaus)",
		Status:   StatusVerified,
	},
	{
		ID:       "S-205",
		Type:     "Satellite Telemetry",
		Location: "Low Earth Orbit (Polar)",
		Status:   StatusSyncing,
	},
	{
		ID:       "A-103",
		Type:     "eDNA Sensor",
		Location: "Congo Basin",
		Status:   StatusVerified,
	},
	{
		ID:       "OB-77",
		Type:     "Ocean Buoy Array",
		Location: "Pacific Gyre",
		Status:   StatusVerified,
	},
	{
		ID:       "GS-99",
		Type:     "Geospatial Seismic",
		Location: "Reykjavik, Iceland",
		Status:   StatusOffline,
	},
}

// Registered returns a copy of the node roster.
func Registered() []Node {
	n := make([]Node, len(registered))
	copy(n, registered)
	return n
}

// Count returns the number of registered nodes.
func Count() int {
	return len(registered)
}

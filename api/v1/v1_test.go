// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package v1

import (
	"testing"
)

var sha256tests = []struct {
	in       string
	expected bool
}{
	{"360f84035942243c6a36537ae2f8673485e6c04455a0a85a0db19690f2541480", true},
	{"27042f4e6eca7d0b2a7ee4026df2ecfa51d3339e6d122aa099118ecd8563bad9", true},
	{"b0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dc", true},
	// Spaces
	{" 360f84035942243c6a36537ae2f8673485e6c04455a0a85a0db19690f2541480", false},
	{"27042f4e6eca7d0b2a7ee4026df2ecfa51d3339e6d122aa099118ecd8563bad9 ", false},
	// Too short
	{"0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dc", false},
	{"b0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227d", false},
	// Too long
	{"b0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dcaaa", false},
	{"aaab0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dc", false},
	// Invalid char
	{"b0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dZ", false},
	{"Zb0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227d", false},
}

var cidTests = []struct {
	in       string
	expected bool
}{
	// Legacy base58 form
	{"QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG", true},
	{"QmPK1s3pNYLi9ERiq3BDxKa4XosgWwFRQUydHUtz4YgpqB", true},
	// Base32 form
	{"bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi", true},
	// Wrong prefix
	{"ZmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG", false},
	// Too short
	{"QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbd", false},
	// Base58 alphabet excludes 0, O, I and l
	{"QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbd0", false},
	{"QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdO", false},
	// Spaces
	{" QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG", false},
	{"QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG ", false},
	{"", false},
}

func TestSha256Regex(t *testing.T) {
	for _, v := range sha256tests {
		if RegexpSHA256.MatchString(v.in) != v.expected {
			t.Errorf("testing %v expected %v got %v",
				v.in, v.expected, !v.expected)
		}
	}
}

func TestCIDRegex(t *testing.T) {
	for _, v := range cidTests {
		if RegexpCID.MatchString(v.in) != v.expected {
			t.Errorf("testing %v expected %v got %v",
				v.in, v.expected, !v.expected)
		}
	}
}

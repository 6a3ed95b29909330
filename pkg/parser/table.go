// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import "github.com/LibAtem/AtemProxy/pkg/atem"

// Descriptor describes how to identify one command.
type Descriptor struct {
	// IndexLen is the number of leading body bytes that address the
	// sub-resource, up to and including the last addressing field. Zero
	// means the command describes a singleton.
	IndexLen int

	// MinVersion is the first protocol version the command exists in.
	MinVersion atem.Version
}

// Table maps command names to descriptors.
type Table map[string]Descriptor

// Merge returns a copy of t with the entries of other added or replaced.
func (t Table) Merge(other Table) Table {
	out := make(Table, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// DefaultTable returns the descriptors of common device commands.
func DefaultTable() Table {
	return Table{
		// Device topology and configuration.
		atem.VersionCommand: {},
		"_pin":              {},
		"_top":              {},
		"_MeC":              {IndexLen: 1},
		"_mpl":              {},
		"_MvC":              {},
		"_SSC":              {},
		"_TlC":              {},
		"_AMC":              {},
		"_VMC":              {},
		"_MAC":              {},
		"_DVE":              {},
		"Powr":              {},
		"VidM":              {},
		"Warn":              {},
		"Time":              {},
		"TCCc":              {},
		"InCm":              {},

		// Inputs and tally.
		"InPr": {IndexLen: 2},
		"TlIn": {},
		"TlSr": {},
		"TlFc": {},

		// Mix-effect banks.
		"PrgI": {IndexLen: 1},
		"PrvI": {IndexLen: 1},
		"TrSS": {IndexLen: 1},
		"TrPr": {IndexLen: 1},
		"TrPs": {IndexLen: 1},
		"TMxP": {IndexLen: 1},
		"TDpP": {IndexLen: 1},
		"TWpP": {IndexLen: 1},
		"TDvP": {IndexLen: 1},
		"TStP": {IndexLen: 1},
		"FtbP": {IndexLen: 1},
		"FtbS": {IndexLen: 1},
		"KeOn": {IndexLen: 2},
		"KeBP": {IndexLen: 2},
		"KeLm": {IndexLen: 2},
		"KACk": {IndexLen: 2},
		"KePt": {IndexLen: 2},
		"KeDV": {IndexLen: 2},
		"KeFS": {IndexLen: 2},
		"KKFP": {IndexLen: 3},

		// Downstream keyers, auxiliaries and colour generators.
		"DskB": {IndexLen: 1},
		"DskP": {IndexLen: 1},
		"DskS": {IndexLen: 1},
		"AuxS": {IndexLen: 1},
		"ColV": {IndexLen: 1},

		// Media pool and players.
		"MPCE": {IndexLen: 1},
		"MPfe": {IndexLen: 4},
		"MPCS": {IndexLen: 1},
		"MPAS": {IndexLen: 1},
		"RCPS": {IndexLen: 1},

		// SuperSource.
		"SSrc": {IndexLen: 1},
		"SSBP": {IndexLen: 2},
		"SSBd": {IndexLen: 1},

		// Multiviewers.
		"MvPr": {IndexLen: 1},
		"MvIn": {IndexLen: 2},
		"VuMC": {IndexLen: 2},
		"SaMw": {IndexLen: 2},

		// Classic audio mixer.
		"AMIP": {IndexLen: 2},
		"AMMO": {},
		"AMmO": {},
		"AMHP": {},
		"AMTl": {},
		"AMLv": {},

		// Fairlight audio mixer.
		"FAIP": {IndexLen: 2, MinVersion: atem.Version8_0},
		"FASP": {IndexLen: 16, MinVersion: atem.Version8_0},
		"FAMP": {MinVersion: atem.Version8_0},
		"FMTl": {MinVersion: atem.Version8_0},
		"FMLv": {IndexLen: 16, MinVersion: atem.Version8_0},
		"FDLv": {MinVersion: atem.Version8_0},

		// Recording and streaming.
		"RXMS": {},
		"RXCP": {},
		"RXSS": {},
		"StRS": {},
		"SRST": {},
		"RTMR": {},

		// Macros.
		"MPrp": {IndexLen: 2},
		"MRPr": {},
		"MRcS": {},

		// Locks and data transfers. Addressed by store id.
		"LKST": {IndexLen: 2},
		"LKOB": {IndexLen: 2},
		"LOCK": {IndexLen: 2},
		"FTSD": {IndexLen: 2},
		"FTSU": {IndexLen: 2},
		"FTCD": {IndexLen: 2},
		"FTDa": {IndexLen: 2},
		"FTDC": {IndexLen: 2},
		"FTDE": {IndexLen: 2},
		"FTUA": {IndexLen: 2},
		"FTFD": {IndexLen: 2},

		// Console requests.
		"CPgI": {IndexLen: 1},
		"CPvI": {IndexLen: 1},
		"DCut": {IndexLen: 1},
		"DAut": {IndexLen: 1},
		"CAuS": {IndexLen: 1},
		"SALN": {},
		"SFLN": {},
	}
}

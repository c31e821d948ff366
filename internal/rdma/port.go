package rdma

import (
	"errors"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/clusterfs/rdmastack/internal/config"
)

// Port is the immutable addressing snapshot of one physical port: the
// selected GID table index and GID, the local identifier, and the link
// state observed at resolution time. A Device owns at most one bound Port.
type Port struct {
	Num      uint8
	LID      uint16
	GID      GID
	GIDIndex int
	State    PortState
}

// parseGID parses a GID written as eight colon-separated groups of two hex
// bytes, e.g. "fe80:0000:0000:0000:0000:0000:0000:0001". Each group reads
// as two conversions of up to two hex digits, so the second byte of a group
// may be written with one digit ("fe8" reads as fe 08). It reports ok only
// when exactly 16 byte values parse; anything else is malformed.
func parseGID(s string) (GID, bool) {
	var gid GID
	groups := strings.Split(s, ":")
	if len(groups) != 8 {
		return GID{}, false
	}
	n := 0
	for _, g := range groups {
		if len(g) < 3 || len(g) > 4 {
			return GID{}, false
		}
		hi, err := strconv.ParseUint(g[:2], 16, 8)
		if err != nil {
			return GID{}, false
		}
		lo, err := strconv.ParseUint(g[2:], 16, 8)
		if err != nil {
			return GID{}, false
		}
		gid[n] = byte(hi)
		gid[n+1] = byte(lo)
		n += 2
	}
	return gid, n == 16
}

// resolvePort queries one physical port and resolves its local address.
//
// When the platform reports per-entry GID types, resolution runs in
// exact-match mode: the configured local GID is matched byte-for-byte
// against the port's GID table, and the entry must also carry the
// configured RoCE version; the first match wins and an exhausted table is a
// SetupError. A malformed or absent configured GID stays with table index
// 0. Platforms without GID type reporting always use index 0.
func resolvePort(cfg *config.Config, ctxt DeviceContext, portNum uint8) (*Port, error) {
	attr, err := ctxt.QueryPort(portNum)
	if err != nil {
		return nil, setupErr("query port", err)
	}

	p := &Port{
		Num:   portNum,
		LID:   attr.LID,
		State: attr.State,
	}

	// Probe for per-entry GID type support with index 0; absence selects
	// default-mode resolution.
	if _, err := ctxt.QueryGIDType(portNum, 0); errors.Is(err, ErrGIDTypeNotSupported) {
		gid, err := ctxt.QueryGID(portNum, 0)
		if err != nil {
			return nil, setupErr("query gid", err)
		}
		p.GID = gid
		p.GIDIndex = 0
		return p, nil
	}

	want, ok := parseGID(cfg.LocalGID)
	if !ok {
		log.Info().
			Uint8("port", portNum).
			Msg("Malformed or no local GID supplied, using GID index 0")
	} else {
		log.Debug().
			Uint8("port", portNum).
			Str("local_gid", cfg.LocalGID).
			Str("roce_ver", RoCEVersion(cfg.RoCEVer).String()).
			Msg("Looking for local GID in GID table")
	}

	for idx := 0; idx < attr.GIDTblLen; idx++ {
		gid, err := ctxt.QueryGID(portNum, idx)
		if err != nil {
			return nil, setupErr("query gid", err)
		}
		gidType, err := ctxt.QueryGIDType(portNum, idx)
		if err != nil {
			return nil, setupErr("query gid type", err)
		}

		if !ok {
			// Stay with index 0.
			p.GID = gid
			p.GIDIndex = 0
			return p, nil
		}
		if gidType == RoCEVersion(cfg.RoCEVer) && gid == want {
			log.Debug().Uint8("port", portNum).Int("gid_index", idx).Msg("Found requested local GID")
			p.GID = gid
			p.GIDIndex = idx
			return p, nil
		}
	}

	return nil, setupErrf("requested local GID %q not found in GID table of port %d", cfg.LocalGID, portNum)
}

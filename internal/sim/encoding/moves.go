// Package encoding renders crane move sequences for logs and storage. Plans
// are always handled as []hotstorage.CraneMove; these forms are for humans
// (String) and compact columns (Packed).
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"dynstack.ai/internal/sim/hotstorage"
)

// FormatMoves renders moves as concatenated tokens "s<src>-d<tgt>:b<block>",
// e.g. "s0-d2:b17s2-d5:b17". withBlocks=false drops the ":b" suffix.
func FormatMoves(moves []hotstorage.CraneMove, withBlocks bool) string {
	var b strings.Builder
	for _, m := range moves {
		b.WriteByte('s')
		b.WriteString(strconv.Itoa(m.Source))
		b.WriteString("-d")
		b.WriteString(strconv.Itoa(m.Target))
		if withBlocks {
			b.WriteString(":b")
			b.WriteString(strconv.Itoa(m.Block))
		}
	}
	return b.String()
}

// ParseMoves reads the FormatMoves form. Block ids are optional per token and
// default to 0. Ids may be negative ("s-1-d2").
func ParseMoves(s string) ([]hotstorage.CraneMove, error) {
	var out []hotstorage.CraneMove
	i := 0
	num := func(prefix string) (int, error) {
		if !strings.HasPrefix(s[i:], prefix) {
			return 0, fmt.Errorf("offset %d: expected %q", i, prefix)
		}
		i += len(prefix)
		j := i
		if j < len(s) && s[j] == '-' {
			j++
		}
		d := j
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		if j == d {
			return 0, fmt.Errorf("offset %d: expected digits", i)
		}
		n, err := strconv.Atoi(s[i:j])
		if err != nil {
			return 0, fmt.Errorf("offset %d: %w", i, err)
		}
		i = j
		return n, nil
	}
	for i < len(s) {
		var m hotstorage.CraneMove
		var err error
		if m.Source, err = num("s"); err != nil {
			return nil, err
		}
		if m.Target, err = num("-d"); err != nil {
			return nil, err
		}
		if strings.HasPrefix(s[i:], ":b") {
			if m.Block, err = num(":b"); err != nil {
				return nil, err
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// EncodePacked encodes moves as base64(zigzag varint triples
// source,target,block).
func EncodePacked(moves []hotstorage.CraneMove) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	for _, m := range moves {
		for _, v := range [3]int{m.Source, m.Target, m.Block} {
			n := binary.PutVarint(tmp[:], int64(v))
			buf.Write(tmp[:n])
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodePacked reads the EncodePacked form.
func DecodePacked(b64 string) ([]hotstorage.CraneMove, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	var out []hotstorage.CraneMove
	for i := 0; i < len(raw); {
		var v [3]int
		for k := range v {
			x, n := binary.Varint(raw[i:])
			if n <= 0 {
				return nil, fmt.Errorf("bad varint at %d", i)
			}
			if x > math.MaxInt32 || x < math.MinInt32 {
				return nil, fmt.Errorf("id out of range at %d: %d", i, x)
			}
			v[k] = int(x)
			i += n
		}
		out = append(out, hotstorage.CraneMove{Source: v[0], Target: v[1], Block: v[2]})
	}
	return out, nil
}

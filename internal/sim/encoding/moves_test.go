package encoding

import (
	"encoding/base64"
	"encoding/binary"
	"math/rand/v2"
	"testing"

	"dynstack.ai/internal/sim/hotstorage"
)

func TestMoves_StringRoundTrip(t *testing.T) {
	in := []hotstorage.CraneMove{
		{Source: 0, Target: 2, Block: 17},
		{Source: 2, Target: 11, Block: 3},
		{Source: 10, Target: 5, Block: 0},
	}
	s := FormatMoves(in, true)
	if s != "s0-d2:b17s2-d11:b3s10-d5:b0" {
		t.Fatalf("FormatMoves: %q", s)
	}
	out, err := ParseMoves(s)
	if err != nil {
		t.Fatalf("ParseMoves: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("mismatch at %d: got %v want %v", i, out[i], in[i])
		}
	}
}

func TestMoves_RoutesOnlyRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for n := 0; n < 50; n++ {
		in := make([]hotstorage.CraneMove, n)
		for i := range in {
			in[i] = hotstorage.CraneMove{Source: rng.IntN(12), Target: rng.IntN(12), Block: rng.IntN(500)}
		}
		out, err := ParseMoves(FormatMoves(in, false))
		if err != nil {
			t.Fatalf("ParseMoves: %v", err)
		}
		if len(out) != len(in) {
			t.Fatalf("len mismatch: got %d want %d", len(out), len(in))
		}
		for i := range in {
			if !out[i].SameRoute(in[i]) {
				t.Fatalf("route mismatch at %d: got %v want %v", i, out[i], in[i])
			}
		}
	}
}

func TestParseMoves_Errors(t *testing.T) {
	for _, s := range []string{"x1-d2", "s1d2", "s-d2", "s1-d", "s1-d2:b", "s1-d2:bx"} {
		if _, err := ParseMoves(s); err == nil {
			t.Fatalf("%q: expected error", s)
		}
	}
}

func TestPacked_RoundTrip(t *testing.T) {
	in := []hotstorage.CraneMove{{Source: 0, Target: 1, Block: 300}, {Source: 1, Target: 7, Block: 1 << 20}}
	out, err := DecodePacked(EncodePacked(in))
	if err != nil {
		t.Fatalf("DecodePacked: %v", err)
	}
	if len(out) != 2 || out[0] != in[0] || out[1] != in[1] {
		t.Fatalf("got %v want %v", out, in)
	}
	if _, err := DecodePacked("!!"); err == nil {
		t.Fatalf("expected base64 error")
	}
	// 2^40 does not fit an int32 id.
	big := base64.StdEncoding.EncodeToString(binary.AppendVarint(nil, 1<<40))
	if _, err := DecodePacked(big); err == nil {
		t.Fatalf("expected range error")
	}
	if _, err := DecodePacked(base64.StdEncoding.EncodeToString([]byte{0x80})); err == nil {
		t.Fatalf("expected truncated varint error")
	}
}

func TestMoves_NegativeIDs(t *testing.T) {
	in := []hotstorage.CraneMove{
		{Source: -1, Target: 2, Block: 5},
		{Source: 3, Target: -4, Block: -7},
		{Source: -10, Target: -11, Block: 0},
	}
	s := FormatMoves(in, true)
	if s != "s-1-d2:b5s3-d-4:b-7s-10-d-11:b0" {
		t.Fatalf("FormatMoves: %q", s)
	}
	out, err := ParseMoves(s)
	if err != nil {
		t.Fatalf("ParseMoves: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("string mismatch at %d: got %v want %v", i, out[i], in[i])
		}
	}

	out, err = DecodePacked(EncodePacked(in))
	if err != nil {
		t.Fatalf("DecodePacked: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("packed len mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("packed mismatch at %d: got %v want %v", i, out[i], in[i])
		}
	}

	for _, bad := range []string{"s--1-d2", "s1-d-", "s1-d2:b-"} {
		if _, err := ParseMoves(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestPacked_Empty(t *testing.T) {
	out, err := DecodePacked(EncodePacked(nil))
	if err != nil || len(out) != 0 {
		t.Fatalf("got %v, %v", out, err)
	}
}

// Package snapshot stores recorded world snapshots: a JSON header line
// followed by a gob body, zstd compressed.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"dynstack.ai/internal/protocol"
)

const Version = 1

// Ext is the file extension used for recordings.
const Ext = ".snap.zst"

var ErrVersion = errors.New("unsupported snapshot version")

type Header struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	Client    string `json:"client,omitempty"`
	Count     int    `json:"count"`
	FirstMs   int64  `json:"first_now_ms"`
	LastMs    int64  `json:"last_now_ms"`
}

// Recording is an ordered list of snapshots from one session.
type Recording struct {
	Header Header
	Worlds []protocol.World
}

// NewRecording fills in the header fields derived from worlds.
func NewRecording(sessionID, client string, worlds []protocol.World) Recording {
	h := Header{Version: Version, SessionID: sessionID, Client: client, Count: len(worlds)}
	if len(worlds) > 0 {
		h.FirstMs = worlds[0].NowMs
		h.LastMs = worlds[len(worlds)-1].NowMs
	}
	return Recording{Header: h, Worlds: worlds}
}

func Write(path string, rec Recording) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 256*1024)
	hb, _ := json.Marshal(rec.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&rec); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Close()
}

func Read(path string) (Recording, error) {
	var rec Recording
	f, err := os.Open(path)
	if err != nil {
		return rec, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return rec, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	h, err := readHeader(br)
	if err != nil {
		return rec, err
	}
	if h.Version != Version {
		return rec, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if err := gob.NewDecoder(br).Decode(&rec); err != nil {
		return rec, fmt.Errorf("gob decode: %w", err)
	}
	return rec, nil
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return Header{}, err
	}
	defer dec.Close()
	return readHeader(bufio.NewReader(dec))
}

func readHeader(br *bufio.Reader) (Header, error) {
	var h Header
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

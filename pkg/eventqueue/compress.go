package eventqueue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// maybeCompress compresses the event payload in place when its serialized
// size exceeds threshold. A threshold <= 0 disables compression.
func maybeCompress(evt *Event, threshold int) error {
	if threshold <= 0 || evt.Data == nil || evt.Metadata.Compressed {
		return nil
	}
	raw, err := json.Marshal(evt.Data)
	if err != nil {
		return fmt.Errorf("failed to serialize event payload: %w", err)
	}
	if len(raw) <= threshold {
		return nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return fmt.Errorf("failed to compress event payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize compressed payload: %w", err)
	}

	evt.compressed = buf.Bytes()
	evt.Data = nil
	evt.Metadata.Compressed = true
	return nil
}

// decompress restores the payload of a compressed event. The payload comes
// back through a JSON round-trip, so objects decode as map[string]any.
// Metadata.Compressed stays true so consumers can observe that the event
// travelled compressed.
func decompress(evt *Event) error {
	if !evt.Metadata.Compressed || evt.compressed == nil {
		return nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(evt.compressed))
	if err != nil {
		return fmt.Errorf("failed to open compressed payload: %w", err)
	}
	raw, err := io.ReadAll(zr)
	if cerr := zr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to decompress event payload: %w", err)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to decode decompressed payload: %w", err)
	}
	evt.Data = data
	evt.compressed = nil
	return nil
}

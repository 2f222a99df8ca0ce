package storage

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
)

func TestTableEntityRoundTripAcrossChunks(t *testing.T) {
	value := bytes.Repeat([]byte("0123456789abcdef"), 5000) // 80000 bytes, ~4 chunks
	raw, err := encodeTableEntity("p", "tasks:items", value)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var props map[string]any
	if err := sonic.Unmarshal(raw, &props); err != nil {
		t.Fatalf("entity is not json: %v", err)
	}
	if props["PartitionKey"] != "p" || props["RowKey"] != "tasks:items" {
		t.Fatalf("keys not set: %v %v", props["PartitionKey"], props["RowKey"])
	}
	if n := props["Chunks"].(float64); n != 4 {
		t.Fatalf("expected 4 chunks, got %v", n)
	}
	for k, v := range props {
		if s, ok := v.(string); ok && strings.HasPrefix(k, "Data") && len(s) > tableChunkChars {
			t.Fatalf("%s exceeds property limit: %d", k, len(s))
		}
	}
	got, err := decodeTableValue(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("value changed in round trip")
	}
}

func TestTableEntityRejectsOversizedValue(t *testing.T) {
	value := make([]byte, tableChunkChars*tableMaxChunks)
	if _, err := encodeTableEntity("p", "k", value); !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
}

func TestTableEntityDecodeErrors(t *testing.T) {
	if _, err := decodeTableValue([]byte(`{"PartitionKey":"p"}`)); err == nil {
		t.Fatalf("missing chunk count should fail")
	}
	if _, err := decodeTableValue([]byte(`{"Chunks":2,"Data00":"YQ=="}`)); err == nil {
		t.Fatalf("missing chunk should fail")
	}
}

func TestRowKeyEscapesForbiddenCharacters(t *testing.T) {
	got := rowKey(`a/b\c#d?e%f`)
	if strings.ContainsAny(got, `/\#?`) {
		t.Fatalf("row key still has forbidden characters: %s", got)
	}
	if rowKey("tasks:outbox") != "tasks:outbox" {
		t.Fatalf("plain keys must be unchanged")
	}
}

package phash

import (
	"bytes"
	"fmt"
	"io"
)

// Metadata is a small, self-describing key-value block carried in a
// phash file's header. The RO-shard format (package roshard) uses it to
// record the shard name and object count directly in the file, so the
// file remains interpretable even detached from the catalog.
type Metadata struct {
	KeyVals []KV
}

type KV struct {
	Key   []byte
	Value []byte
}

const (
	MaxNumKVs    = 255
	MaxKeySize   = 255
	MaxValueSize = 255
)

// Bytes serializes the metadata, panicking on a size violation.
// Callers are expected to respect MaxNumKVs/MaxKeySize/MaxValueSize up front.
func (m *Metadata) Bytes() []byte {
	b, err := m.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

func (m *Metadata) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if len(m.KeyVals) > MaxNumKVs {
		return nil, fmt.Errorf("number of key-value pairs %d exceeds max %d", len(m.KeyVals), MaxNumKVs)
	}
	buf.WriteByte(byte(len(m.KeyVals)))
	for _, kv := range m.KeyVals {
		if len(kv.Key) > MaxKeySize {
			return nil, fmt.Errorf("key size %d exceeds max %d", len(kv.Key), MaxKeySize)
		}
		buf.WriteByte(byte(len(kv.Key)))
		buf.Write(kv.Key)

		if len(kv.Value) > MaxValueSize {
			return nil, fmt.Errorf("value size %d exceeds max %d", len(kv.Value), MaxValueSize)
		}
		buf.WriteByte(byte(len(kv.Value)))
		buf.Write(kv.Value)
	}
	return buf.Bytes(), nil
}

func (m *Metadata) UnmarshalBinary(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	numKVs := int(b[0])
	if numKVs > MaxNumKVs {
		return fmt.Errorf("number of key-value pairs %d exceeds max %d", numKVs, MaxNumKVs)
	}
	reader := bytes.NewReader(b[1:])
	for i := 0; i < numKVs; i++ {
		var kv KV
		keyLen, err := reader.ReadByte()
		if err != nil {
			return err
		}
		kv.Key = make([]byte, keyLen)
		if _, err := io.ReadFull(reader, kv.Key); err != nil {
			return err
		}
		valueLen, err := reader.ReadByte()
		if err != nil {
			return err
		}
		kv.Value = make([]byte, valueLen)
		if _, err := io.ReadFull(reader, kv.Value); err != nil {
			return err
		}
		m.KeyVals = append(m.KeyVals, kv)
	}
	return nil
}

// Add appends a key-value pair.
func (m *Metadata) Add(key, value []byte) error {
	if len(m.KeyVals) >= MaxNumKVs {
		return fmt.Errorf("number of key-value pairs %d exceeds max %d", len(m.KeyVals), MaxNumKVs)
	}
	if len(key) > MaxKeySize {
		return fmt.Errorf("key size %d exceeds max %d", len(key), MaxKeySize)
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("value size %d exceeds max %d", len(value), MaxValueSize)
	}
	m.KeyVals = append(m.KeyVals, KV{Key: cloneBytes(key), Value: cloneBytes(value)})
	return nil
}

// GetFirst returns the first value stored under key, or nil.
func (m *Metadata) GetFirst(key []byte) []byte {
	for _, kv := range m.KeyVals {
		if bytes.Equal(kv.Key, key) {
			return kv.Value
		}
	}
	return nil
}

var (
	MetaKeyShardName = []byte("name")
	MetaKeyObjCount  = []byte("cnt")
	MetaKeyCreatedAt = []byte("ts")
)

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// Package serialization provides the encode/compress/encrypt pipeline used to
// persist and exchange flow documents.
// PRINCIPLES:
// - KISS: one Codec interface with textual and binary implementations
// - SRP: the pipeline knows bytes, flow.go knows documents
package serialization

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

// Codec turns documents into bytes and back
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// CompressionType represents compression algorithms
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

var (
	ErrUnknownCodec       = errors.New("unknown codec")
	ErrUnknownCompression = errors.New("unknown compression")
	ErrInvalidKeySize     = errors.New("encryption key must be 16, 24 or 32 bytes")
	ErrCiphertextTooShort = errors.New("invalid ciphertext size")
)

// Config holds serialization settings
type Config struct {
	Codec       Codec
	Compression CompressionType
	EncryptKey  []byte // AES key, 16/24/32 bytes
}

// Validate rejects configurations the pipeline cannot run
func (c Config) Validate() error {
	if c.Codec == nil {
		return fmt.Errorf("%w: nil", ErrUnknownCodec)
	}
	if _, err := ParseCompression(string(c.Compression)); err != nil {
		return err
	}
	switch len(c.EncryptKey) {
	case 0, 16, 24, 32:
	default:
		return ErrInvalidKeySize
	}
	return nil
}

// Serializer runs the codec, compression and encryption stages
type Serializer struct {
	config Config
}

// NewSerializer creates a serializer. An empty compression means none.
func NewSerializer(config Config) (*Serializer, error) {
	if config.Compression == "" {
		config.Compression = CompressionNone
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Serializer{config: config}, nil
}

// MustSerializer is NewSerializer for configurations known to be valid
func MustSerializer(config Config) *Serializer {
	s, err := NewSerializer(config)
	if err != nil {
		panic(err)
	}
	return s
}

// Codec returns the configured codec
func (s *Serializer) Codec() Codec { return s.config.Codec }

// Textual reports whether the output is human-readable text
func (s *Serializer) Textual() bool {
	if s.config.Compression != CompressionNone || len(s.config.EncryptKey) > 0 {
		return false
	}
	_, binary := s.config.Codec.(*MsgPackCodec)
	return !binary
}

// String describes the pipeline, e.g. "msgpack+zstd+aes"
func (s *Serializer) String() string {
	parts := []string{s.config.Codec.Name()}
	if s.config.Compression != CompressionNone {
		parts = append(parts, string(s.config.Compression))
	}
	if len(s.config.EncryptKey) > 0 {
		parts = append(parts, "aes")
	}
	return strings.Join(parts, "+")
}

// Serialize encodes, compresses, and encrypts v
func (s *Serializer) Serialize(v any) ([]byte, error) {
	data, err := s.config.Codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("codec encoding failed: %w", err)
	}

	data, err = s.compress(data)
	if err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}

	if len(s.config.EncryptKey) > 0 {
		data, err = s.encrypt(data)
		if err != nil {
			return nil, fmt.Errorf("encryption failed: %w", err)
		}
	}
	return data, nil
}

// Deserialize decrypts, decompresses, and decodes data into v
func (s *Serializer) Deserialize(data []byte, v any) error {
	var err error
	if len(s.config.EncryptKey) > 0 {
		data, err = s.decrypt(data)
		if err != nil {
			return fmt.Errorf("decryption failed: %w", err)
		}
	}

	data, err = s.decompress(data)
	if err != nil {
		return fmt.Errorf("decompression failed: %w", err)
	}

	if err := s.config.Codec.Decode(data, v); err != nil {
		return fmt.Errorf("codec decoding failed: %w", err)
	}
	return nil
}

func (s *Serializer) compress(data []byte) ([]byte, error) {
	switch s.config.Compression {
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return data, nil
	}
}

func (s *Serializer) decompress(data []byte) ([]byte, error) {
	switch s.config.Compression {
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	default:
		return data, nil
	}
}

func (s *Serializer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.config.EncryptKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// encrypt seals data with AES-GCM, prefixing the random nonce
func (s *Serializer) encrypt(data []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

func (s *Serializer) decrypt(data []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// JSONCodec implements JSON serialization
type JSONCodec struct {
	Indent bool
}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if c.Indent {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after document")
	}
	return nil
}

func (c *JSONCodec) Name() string { return "json" }

// YAMLCodec implements YAML serialization
type YAMLCodec struct{}

func (c *YAMLCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *YAMLCodec) Decode(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

func (c *YAMLCodec) Name() string { return "yaml" }

// MsgPackCodec implements MessagePack serialization
type MsgPackCodec struct{}

func (c *MsgPackCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *MsgPackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgPackCodec) Name() string { return "msgpack" }

// NewJSONCodec creates a new JSON codec
func NewJSONCodec() Codec { return &JSONCodec{} }

// NewYAMLCodec creates a new YAML codec
func NewYAMLCodec() Codec { return &YAMLCodec{} }

// NewMsgPackCodec creates a new MessagePack codec
func NewMsgPackCodec() Codec { return &MsgPackCodec{} }

// CodecByName resolves a codec from configuration
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return NewJSONCodec(), nil
	case "yaml", "yml":
		return NewYAMLCodec(), nil
	case "msgpack":
		return NewMsgPackCodec(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// ParseCompression resolves a compression type from configuration
func ParseCompression(name string) (CompressionType, error) {
	switch CompressionType(strings.ToLower(strings.TrimSpace(name))) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionGzip:
		return CompressionGzip, nil
	case CompressionZstd:
		return CompressionZstd, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCompression, name)
}

// DefaultSerializer is plain JSON, the textual interchange format
func DefaultSerializer() *Serializer {
	return MustSerializer(Config{Codec: NewJSONCodec(), Compression: CompressionNone})
}

// CompactSerializer is msgpack with zstd, for storage backends
func CompactSerializer() *Serializer {
	return MustSerializer(Config{Codec: NewMsgPackCodec(), Compression: CompressionZstd})
}

package serialization

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ID    string            `json:"id" yaml:"id" msgpack:"id"`
	Name  string            `json:"name" yaml:"name" msgpack:"name"`
	Data  map[string]string `json:"data" yaml:"data" msgpack:"data"`
	Count int               `json:"count" yaml:"count" msgpack:"count"`
}

func newSample() sample {
	return sample{
		ID:   "sample-1",
		Name: "Flow document with repetitive content repetitive content repetitive content",
		Data: map[string]string{
			"key1": "value1 repeated content repeated content repeated content",
			"key2": "value2 repeated content repeated content repeated content",
		},
		Count: 42,
	}
}

func newKey(t testing.TB) []byte {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestCodecs(t *testing.T) {
	tests := []struct {
		codec Codec
		name  string
	}{
		{NewJSONCodec(), "json"},
		{&JSONCodec{Indent: true}, "json"},
		{NewYAMLCodec(), "yaml"},
		{NewMsgPackCodec(), "msgpack"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := newSample()
			encoded, err := tt.codec.Encode(data)
			require.NoError(t, err)
			assert.NotEmpty(t, encoded)

			var decoded sample
			require.NoError(t, tt.codec.Decode(encoded, &decoded))
			assert.Equal(t, data, decoded)
			assert.Equal(t, tt.name, tt.codec.Name())
		})
	}
}

func TestJSONCodec_RejectsTrailingData(t *testing.T) {
	var v map[string]any
	err := NewJSONCodec().Decode([]byte(`{"a":1} {"b":2}`), &v)
	assert.Error(t, err)
}

func TestSerializer_Pipelines(t *testing.T) {
	key := newKey(t)
	tests := []struct {
		name   string
		config Config
		want   string
	}{
		{"json", Config{Codec: NewJSONCodec()}, "json"},
		{"yaml gzip", Config{Codec: NewYAMLCodec(), Compression: CompressionGzip}, "yaml+gzip"},
		{"msgpack zstd", Config{Codec: NewMsgPackCodec(), Compression: CompressionZstd}, "msgpack+zstd"},
		{"json encrypted", Config{Codec: NewJSONCodec(), EncryptKey: key}, "json+aes"},
		{"msgpack zstd encrypted", Config{Codec: NewMsgPackCodec(), Compression: CompressionZstd, EncryptKey: key}, "msgpack+zstd+aes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSerializer(tt.config)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.String())

			data := newSample()
			serialized, err := s.Serialize(data)
			require.NoError(t, err)

			if len(tt.config.EncryptKey) > 0 {
				assert.NotContains(t, string(serialized), "sample-1")
			}

			var decoded sample
			require.NoError(t, s.Deserialize(serialized, &decoded))
			assert.Equal(t, data, decoded)
		})
	}
}

func TestSerializer_Textual(t *testing.T) {
	assert.True(t, DefaultSerializer().Textual())
	assert.True(t, MustSerializer(Config{Codec: NewYAMLCodec()}).Textual())
	assert.False(t, CompactSerializer().Textual())
	assert.False(t, MustSerializer(Config{Codec: NewJSONCodec(), Compression: CompressionGzip}).Textual())
}

func TestNewSerializer_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{"nil codec", Config{}, ErrUnknownCodec},
		{"unknown compression", Config{Codec: NewJSONCodec(), Compression: "lz4"}, ErrUnknownCompression},
		{"short key", Config{Codec: NewJSONCodec(), EncryptKey: []byte("short")}, ErrInvalidKeySize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSerializer(tt.config)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSerializer_ErrorHandling(t *testing.T) {
	t.Run("corrupted encrypted data", func(t *testing.T) {
		s := MustSerializer(Config{Codec: NewJSONCodec(), EncryptKey: newKey(t)})
		var result any
		err := s.Deserialize([]byte("corrupted encrypted data"), &result)
		assert.ErrorContains(t, err, "decryption failed")
	})

	t.Run("ciphertext shorter than nonce", func(t *testing.T) {
		s := MustSerializer(Config{Codec: NewJSONCodec(), EncryptKey: newKey(t)})
		var result any
		assert.ErrorIs(t, s.Deserialize([]byte("x"), &result), ErrCiphertextTooShort)
	})

	t.Run("wrong key", func(t *testing.T) {
		writer := MustSerializer(Config{Codec: NewJSONCodec(), EncryptKey: newKey(t)})
		reader := MustSerializer(Config{Codec: NewJSONCodec(), EncryptKey: newKey(t)})
		data, err := writer.Serialize(newSample())
		require.NoError(t, err)
		var result sample
		assert.Error(t, reader.Deserialize(data, &result))
	})

	t.Run("not gzip", func(t *testing.T) {
		s := MustSerializer(Config{Codec: NewJSONCodec(), Compression: CompressionGzip})
		var result any
		assert.ErrorContains(t, s.Deserialize([]byte(`{"a":1}`), &result), "decompression failed")
	})
}

func TestCodecByName(t *testing.T) {
	for name, want := range map[string]string{"": "json", "JSON": "json", "yml": "yaml", "msgpack": "msgpack"} {
		c, err := CodecByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, c.Name())
	}
	_, err := CodecByName("xml")
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)

	c, err = ParseCompression("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	_, err = ParseCompression("brotli")
	assert.ErrorIs(t, err, ErrUnknownCompression)
}

func BenchmarkSerializer_JSON(b *testing.B) {
	s := DefaultSerializer()
	data := newSample()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		serialized, _ := s.Serialize(data)
		var decoded sample
		_ = s.Deserialize(serialized, &decoded)
	}
}

func BenchmarkSerializer_Compact(b *testing.B) {
	s := CompactSerializer()
	data := newSample()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		serialized, _ := s.Serialize(data)
		var decoded sample
		_ = s.Deserialize(serialized, &decoded)
	}
}

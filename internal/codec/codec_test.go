package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecsRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("export default function App() {}\n"), 200)
	payload = append(payload, 0x00, 0xff, 0xfe)

	for _, name := range []string{"zstd", "lz4", ""} {
		t.Run("codec="+name, func(t *testing.T) {
			c, err := ByName(name)
			require.NoError(t, err)

			compressed, err := c.Compress(payload)
			require.NoError(t, err)
			assert.Less(t, len(compressed), len(payload))

			out, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestByNameUnknown(t *testing.T) {
	_, err := ByName("brotli")
	assert.Error(t, err)
}

func TestDecompressCorrupt(t *testing.T) {
	for _, c := range []Codec{Zstd(), LZ4()} {
		_, err := c.Decompress([]byte("definitely not compressed"))
		assert.Error(t, err, c.Name())
	}
}

func TestPackUnpack(t *testing.T) {
	type record struct {
		Update []byte `cbor:"update"`
	}
	in := record{Update: []byte{1, 2, 3, 0x85}}

	blob, err := Pack(Zstd(), in)
	require.NoError(t, err)

	var out record
	require.NoError(t, Unpack(Zstd(), blob, &out))
	assert.Equal(t, in, out)
}

func TestMarshalIsDeterministic(t *testing.T) {
	m := map[string]string{"b": "2", "a": "1", "c": "3"}
	first, err := Marshal(m)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(m)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

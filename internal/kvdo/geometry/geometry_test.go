package geometry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func sampleGeometry() Geometry {
	return Geometry{
		ReleaseVersion: 7,
		Nonce:          0xdeadbeefcafe,
		UUID:           uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff"),
		Regions: [regionCount]Region{
			{ID: IndexRegion, StartBlock: 1},
			{ID: DataRegion, StartBlock: 100},
		},
		Index: IndexConfig{Mem: 256, CheckpointFrequency: 4096, Sparse: true},
	}
}

func TestRoundTrip(t *testing.T) {
	g := sampleGeometry()
	block := Encode(g)

	decoded, err := Decode(block)
	require.NoError(t, err)
	require.Equal(t, g, decoded)
}

func TestDecodeAcceptsOversizedBlock(t *testing.T) {
	g := sampleGeometry()
	block := append(Encode(g), make([]byte, 4096-encodedSize)...)

	decoded, err := Decode(block)
	require.NoError(t, err)
	require.Equal(t, g, decoded)
}

func TestDecodeRejectsShortBlock(t *testing.T) {
	_, err := Decode(make([]byte, 4))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsCorruptCRC(t *testing.T) {
	block := Encode(sampleGeometry())
	block[0] ^= 0xff

	_, err := Decode(block)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsZeroReleaseVersion(t *testing.T) {
	g := sampleGeometry()
	g.ReleaseVersion = 0
	block := Encode(g)

	_, err := Decode(block)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsNilUUID(t *testing.T) {
	g := sampleGeometry()
	g.UUID = uuid.Nil
	block := Encode(g)

	_, err := Decode(block)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsInvertedRegions(t *testing.T) {
	g := sampleGeometry()
	g.Regions[IndexRegion].StartBlock = 200
	g.Regions[DataRegion].StartBlock = 10
	block := Encode(g)

	_, err := Decode(block)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestRegionAccessors(t *testing.T) {
	g := sampleGeometry()
	require.Equal(t, uint64(1), g.IndexRegionOffset())
	require.Equal(t, uint64(100), g.DataRegionOffset())
	require.Equal(t, uint64(99), g.IndexRegionSize())
}

package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader(t *testing.T, level int64, predecessor BlockHash) *BlockHeader {
	t.Helper()
	ops := &OperationsList{Block: BlockHash{0x01}, Pass: 0, Operations: [][]byte{[]byte("op")}}
	return &BlockHeader{
		ChainID:          "stela-test",
		Level:            level,
		Predecessor:      predecessor,
		Timestamp:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidationPasses: 1,
		OperationsHashes: []OperationsHash{ops.Hash()},
		Fitness:          Fitness{{0x01}},
	}
}

func TestBlockHeaderHashDeterministic(t *testing.T) {
	h1 := testHeader(t, 5, BlockHash{0xaa})
	h2 := testHeader(t, 5, BlockHash{0xaa})
	assert.Equal(t, h1.Hash(), h2.Hash())

	h2.Level = 6
	assert.NotEqual(t, h1.Hash(), h2.Hash())
}

func TestBlockHeaderRoundTrip(t *testing.T) {
	h := testHeader(t, 42, BlockHash{0xbb})
	bz, err := MarshalCBOR(h)
	require.NoError(t, err)

	var got BlockHeader
	require.NoError(t, UnmarshalCBOR(bz, &got))
	assert.Equal(t, h.Hash(), got.Hash())
	assert.Equal(t, h.Level, got.Level)
	assert.True(t, h.Timestamp.Equal(got.Timestamp))
}

func TestBlockHeaderValidateBasic(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*BlockHeader)
		wantErr bool
	}{
		{"valid", func(h *BlockHeader) {}, false},
		{"empty chain id", func(h *BlockHeader) { h.ChainID = "" }, true},
		{"negative level", func(h *BlockHeader) { h.Level = -1 }, true},
		{"zero predecessor", func(h *BlockHeader) { h.Predecessor = BlockHash{} }, true},
		{"zero timestamp", func(h *BlockHeader) { h.Timestamp = time.Time{} }, true},
		{"pass count mismatch", func(h *BlockHeader) { h.ValidationPasses = 3 }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := testHeader(t, 7, BlockHash{0xcc})
			tc.mutate(h)
			err := h.ValidateBasic()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBlockComplete(t *testing.T) {
	ops := &OperationsList{Block: BlockHash{0x01}, Pass: 0, Operations: [][]byte{[]byte("op")}}
	header := testHeader(t, 3, BlockHash{0xdd})

	block := &Block{Header: header, Operations: []*OperationsList{ops}}
	assert.True(t, block.Complete())

	// wrong content for the declared hash
	bad := &OperationsList{Block: BlockHash{0x01}, Pass: 0, Operations: [][]byte{[]byte("tampered")}}
	assert.False(t, (&Block{Header: header, Operations: []*OperationsList{bad}}).Complete())

	// missing pass
	assert.False(t, (&Block{Header: header}).Complete())
}

func TestFitnessCompare(t *testing.T) {
	assert.Equal(t, 0, Fitness{{0x01}}.Compare(Fitness{{0x01}}))
	assert.Equal(t, -1, Fitness{{0x01}}.Compare(Fitness{{0x02}}))
	assert.Equal(t, 1, Fitness{{0x02}}.Compare(Fitness{{0x01}}))
	assert.Equal(t, -1, Fitness{}.Compare(Fitness{{0x00}}))
}

func TestGenesisDeterministic(t *testing.T) {
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	g1 := MakeGenesisHeader("stela-test", at)
	g2 := MakeGenesisHeader("stela-test", at)
	assert.Equal(t, g1.Hash(), g2.Hash())
	assert.True(t, g1.IsGenesis())

	other := MakeGenesisHeader("stela-other", at)
	assert.NotEqual(t, g1.Hash(), other.Hash())
}

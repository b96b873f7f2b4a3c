package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stela-net/stela/types"
)

func testHeader() *types.BlockHeader {
	ops := &types.OperationsList{Block: types.BlockHash{0x01}, Operations: [][]byte{[]byte("op")}}
	return &types.BlockHeader{
		ChainID:          testChainID,
		Level:            10,
		Predecessor:      types.BlockHash{0xaa},
		Timestamp:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidationPasses: 1,
		OperationsHashes: []types.OperationsHash{ops.Hash()},
	}
}

func TestMessageCodecRoundTrip(t *testing.T) {
	header := testHeader()

	msgs := []Message{
		&GetCurrentBranch{ChainID: testChainID},
		&CurrentBranch{ChainID: testChainID, Branch: types.Branch{Head: header}},
		&GetBlockHeaders{Hashes: []types.BlockHash{{0x01}, {0x02}}},
		&BlockHeaderMsg{Header: header},
		&GetOperations{Block: types.BlockHash{0x03}, Passes: []uint8{0, 1}},
		&OperationsMsg{Operations: &types.OperationsList{Block: types.BlockHash{0x03}, Pass: 1}},
		&PeerAdvertise{Addrs: []string{"10.0.0.1:9732"}},
	}

	for _, msg := range msgs {
		bz, err := EncodeMessage(msg)
		require.NoError(t, err)

		got, err := DecodeMessage(bz)
		require.NoError(t, err)
		assert.IsType(t, msg, got)
		require.NoError(t, got.ValidateBasic())
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := DecodeMessage([]byte{0xEE, 0x00})
	require.ErrorIs(t, err, errUnknownTag)
}

func TestDecodeEmpty(t *testing.T) {
	_, err := DecodeMessage(nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, errUnknownTag)
}

func TestMessageValidateBasic(t *testing.T) {
	tooMany := make([]types.BlockHash, maxHashesPerRequest+1)

	cases := []struct {
		name string
		msg  Message
	}{
		{"empty chain id", &GetCurrentBranch{}},
		{"empty header request", &GetBlockHeaders{}},
		{"oversized header request", &GetBlockHeaders{Hashes: tooMany}},
		{"nil header", &BlockHeaderMsg{}},
		{"zero block hash", &GetOperations{Passes: []uint8{0}}},
		{"empty passes", &GetOperations{Block: types.BlockHash{0x01}}},
		{"nil operations", &OperationsMsg{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.msg.ValidateBasic())
		})
	}
}

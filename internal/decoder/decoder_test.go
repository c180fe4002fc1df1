package decoder_test

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/celoledger/internal/decoder"
	"github.com/alanyoungcy/celoledger/internal/domain"
)

var (
	contract = common.HexToAddress("0x00000000000000000000000000000000000C0DE1")
	buyer    = common.HexToAddress("0xAbC0000000000000000000000000000000000001")
	txHash   = common.HexToHash("0x01")
)

func mustType(t *testing.T, name string) abi.Type {
	t.Helper()
	typ, err := abi.NewType(name, "", nil)
	require.NoError(t, err)
	return typ
}

func pack(t *testing.T, typeNames []string, values ...any) []byte {
	t.Helper()
	args := make(abi.Arguments, len(typeNames))
	for i, name := range typeNames {
		args[i] = abi.Argument{Type: mustType(t, name)}
	}
	data, err := args.Pack(values...)
	require.NoError(t, err)
	return data
}

func topic(sig string) common.Hash {
	return crypto.Keccak256Hash([]byte(sig))
}

func sharesBoughtLog(t *testing.T, marketID int64, yes bool, amount int64) types.Log {
	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			topic("SharesBought(uint256,address,bool,uint256)"),
			common.BigToHash(big.NewInt(marketID)),
			common.BytesToHash(buyer.Bytes()),
		},
		Data:        pack(t, []string{"bool", "uint256"}, yes, big.NewInt(amount)),
		BlockNumber: 120,
		TxHash:      txHash,
		Index:       3,
	}
}

func TestDecoder_TopicsMatchSignatures(t *testing.T) {
	d := decoder.MustNew()

	for kind, sig := range map[domain.EventKind]string{
		domain.KindMarketCreated:   "MarketCreated(uint256,address,string,string,string,string,string,uint256)",
		domain.KindSharesBought:    "SharesBought(uint256,address,bool,uint256)",
		domain.KindMarketResolved:  "MarketResolved(uint256,bool)",
		domain.KindWinningsClaimed: "WinningsClaimed(uint256,address,uint256)",
		domain.KindMarketCancelled: "MarketCancelled(uint256)",
	} {
		got, ok := d.Topic(kind)
		require.True(t, ok, kind)
		assert.Equal(t, topic(sig), got, kind)
	}
	assert.Len(t, d.Topics(), 5)
}

func TestDecoder_SharesBought(t *testing.T) {
	d := decoder.MustNew()

	ev := d.Decode(sharesBoughtLog(t, 7, true, 100))
	sb, ok := ev.(domain.SharesBought)
	require.True(t, ok, "got %T", ev)

	assert.Equal(t, uint64(7), sb.MarketID)
	assert.Equal(t, "0xabc0000000000000000000000000000000000001", sb.Buyer)
	assert.True(t, sb.Side)
	assert.Equal(t, "100", sb.Amount.String())
	assert.Equal(t, uint64(120), sb.BlockNumber)
	assert.Equal(t, uint(3), sb.LogIndex)
	assert.Equal(t, "0x00000000000000000000000000000000000c0de1", sb.Contract)
	assert.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000000001", sb.TxHash)
}

func TestDecoder_MarketCreated(t *testing.T) {
	d := decoder.MustNew()

	l := types.Log{
		Address: contract,
		Topics: []common.Hash{
			topic("MarketCreated(uint256,address,string,string,string,string,string,uint256)"),
			common.BigToHash(big.NewInt(12)),
			common.BytesToHash(buyer.Bytes()),
		},
		Data: pack(t,
			[]string{"string", "string", "string", "string", "string", "uint256"},
			"Will it rain?", "Lagos weather", "weather", "ipfs://img", "https://source", big.NewInt(1_800_000_000),
		),
		TxHash: txHash,
	}

	mc, ok := d.Decode(l).(domain.MarketCreated)
	require.True(t, ok)
	assert.Equal(t, uint64(12), mc.MarketID)
	assert.Equal(t, "Will it rain?", mc.Question)
	assert.Equal(t, "Lagos weather", mc.Description)
	assert.Equal(t, "weather", mc.Category)
	assert.Equal(t, "ipfs://img", mc.Image)
	assert.Equal(t, "https://source", mc.Source)
	assert.Equal(t, int64(1_800_000_000), mc.EndTime)
}

func TestDecoder_MarketCreatedRejectsNonCanonicalData(t *testing.T) {
	d := decoder.MustNew()
	base := func() types.Log {
		return types.Log{
			Topics: []common.Hash{
				topic("MarketCreated(uint256,address,string,string,string,string,string,uint256)"),
				common.BigToHash(big.NewInt(12)),
				common.BytesToHash(buyer.Bytes()),
			},
			Data: pack(t,
				[]string{"string", "string", "string", "string", "string", "uint256"},
				"Will it rain?", "", "weather", "ipfs://img", "https://source", big.NewInt(1_800_000_000),
			),
		}
	}

	tests := []struct {
		name   string
		mutate func(l *types.Log)
	}{
		{"trailing junk", func(l *types.Log) { l.Data = append(l.Data, bytes.Repeat([]byte{0xee}, 64)...) }},
		{"truncated tail", func(l *types.Log) { l.Data = l.Data[:len(l.Data)-32] }},
		{"offset past data", func(l *types.Log) { l.Data[31] = 0xff; l.Data[30] = 0xff }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := base()
			tt.mutate(&l)

			m, ok := d.Decode(l).(domain.Malformed)
			require.True(t, ok)
			assert.Equal(t, domain.KindMarketCreated, m.Expected)
			assert.NotEmpty(t, m.Reason)
		})
	}

	_, ok := d.Decode(base()).(domain.MarketCreated)
	assert.True(t, ok)
}

func TestDecoder_ResolvedClaimedCancelled(t *testing.T) {
	d := decoder.MustNew()
	id := common.BigToHash(big.NewInt(4))

	resolved := d.Decode(types.Log{
		Topics: []common.Hash{topic("MarketResolved(uint256,bool)"), id},
		Data:   pack(t, []string{"bool"}, false),
	})
	mr, ok := resolved.(domain.MarketResolved)
	require.True(t, ok)
	assert.False(t, mr.Outcome)

	claimed := d.Decode(types.Log{
		Topics: []common.Hash{topic("WinningsClaimed(uint256,address,uint256)"), id, common.BytesToHash(buyer.Bytes())},
		Data:   pack(t, []string{"uint256"}, big.NewInt(250)),
	})
	wc, ok := claimed.(domain.WinningsClaimed)
	require.True(t, ok)
	assert.Equal(t, "250", wc.Amount.String())

	cancelled := d.Decode(types.Log{Topics: []common.Hash{topic("MarketCancelled(uint256)"), id}})
	_, ok = cancelled.(domain.MarketCancelled)
	assert.True(t, ok)
}

func TestDecoder_UnknownSignature(t *testing.T) {
	d := decoder.MustNew()

	ev := d.Decode(types.Log{Topics: []common.Hash{topic("Transfer(address,address,uint256)")}})
	u, ok := ev.(domain.Unrecognized)
	require.True(t, ok)
	assert.Equal(t, domain.KindUnrecognized, u.Kind())

	_, ok = d.Decode(types.Log{}).(domain.Unrecognized)
	assert.True(t, ok)
}

func TestDecoder_Malformed(t *testing.T) {
	d := decoder.MustNew()

	tests := []struct {
		name   string
		mutate func(l *types.Log)
	}{
		{"missing indexed topic", func(l *types.Log) { l.Topics = l.Topics[:2] }},
		{"truncated data", func(l *types.Log) { l.Data = l.Data[:40] }},
		{"trailing data", func(l *types.Log) { l.Data = append(l.Data, make([]byte, 32)...) }},
		{"bad bool word", func(l *types.Log) { l.Data[31] = 2 }},
		{"market id overflow", func(l *types.Log) {
			l.Topics[1] = common.HexToHash("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := sharesBoughtLog(t, 7, true, 100)
			tt.mutate(&l)

			m, ok := d.Decode(l).(domain.Malformed)
			require.True(t, ok)
			assert.Equal(t, domain.KindSharesBought, m.Expected)
			assert.NotEmpty(t, m.Reason)
			assert.Equal(t, l.Data, m.Log.Data)
			assert.Equal(t, uint(3), m.Log.LogIndex)
		})
	}
}

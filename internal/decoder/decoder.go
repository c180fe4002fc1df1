// Package decoder turns raw contract logs into the closed domain.Event set.
package decoder

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// Decoder maps logs to events. It holds no mutable state and is safe for
// concurrent use.
type Decoder struct {
	abi     abi.ABI
	byTopic map[common.Hash]abi.Event
}

// New parses the contract ABI.
func New() (*Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(marketABI))
	if err != nil {
		return nil, fmt.Errorf("decoder: parse abi: %w", err)
	}
	d := &Decoder{abi: parsed, byTopic: make(map[common.Hash]abi.Event, len(parsed.Events))}
	for _, ev := range parsed.Events {
		d.byTopic[ev.ID] = ev
	}
	return d, nil
}

// MustNew is New for package-level wiring in tests and main.
func MustNew() *Decoder {
	d, err := New()
	if err != nil {
		panic(err)
	}
	return d
}

// Topics returns the topic0 of every tracked event, ordered by event name.
func (d *Decoder) Topics() []common.Hash {
	names := make([]string, 0, len(d.abi.Events))
	for name := range d.abi.Events {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]common.Hash, 0, len(names))
	for _, name := range names {
		out = append(out, d.abi.Events[name].ID)
	}
	return out
}

// Topic returns the topic0 of the named event.
func (d *Decoder) Topic(kind domain.EventKind) (common.Hash, bool) {
	ev, ok := d.abi.Events[string(kind)]
	return ev.ID, ok
}

// Decode classifies one log. It never fails: logs with an unknown signature
// become Unrecognized and logs that do not fit their signature become
// Malformed.
func (d *Decoder) Decode(l types.Log) domain.Event {
	meta := domain.EventMeta{
		Contract:    strings.ToLower(l.Address.Hex()),
		BlockNumber: l.BlockNumber,
		TxHash:      strings.ToLower(l.TxHash.Hex()),
		LogIndex:    l.Index,
	}
	if len(l.Topics) == 0 {
		return domain.Unrecognized{EventMeta: meta}
	}
	ev, ok := d.byTopic[l.Topics[0]]
	if !ok {
		return domain.Unrecognized{EventMeta: meta, Topic0: strings.ToLower(l.Topics[0].Hex())}
	}

	kind := domain.EventKind(ev.Name)
	fields, err := unpack(ev, l)
	if err != nil {
		return malformed(meta, kind, l, err.Error())
	}

	out, err := build(meta, kind, fields)
	if err != nil {
		return malformed(meta, kind, l, err.Error())
	}
	return out
}

func malformed(meta domain.EventMeta, kind domain.EventKind, l types.Log, reason string) domain.Malformed {
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = strings.ToLower(t.Hex())
	}
	return domain.Malformed{
		EventMeta: meta,
		Expected:  kind,
		Reason:    reason,
		Log: domain.RawLog{
			Address:     meta.Contract,
			Topics:      topics,
			Data:        append([]byte(nil), l.Data...),
			BlockNumber: l.BlockNumber,
			TxHash:      meta.TxHash,
			LogIndex:    l.Index,
		},
	}
}

// unpack reads indexed fields from topics and the rest from data.
func unpack(ev abi.Event, l types.Log) (map[string]any, error) {
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if got := len(l.Topics) - 1; got != len(indexed) {
		return nil, fmt.Errorf("expected %d indexed topics, got %d", len(indexed), got)
	}

	nonIndexed := ev.Inputs.NonIndexed()
	want, err := encodedLen(nonIndexed, l.Data)
	if err != nil {
		return nil, err
	}
	if len(l.Data) != want {
		return nil, fmt.Errorf("expected %d data bytes, got %d", want, len(l.Data))
	}

	fields := make(map[string]any, len(ev.Inputs))
	if len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(fields, l.Data); err != nil {
			return nil, fmt.Errorf("unpack data: %w", err)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, l.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}
	return fields, nil
}

// encodedLen returns the length of the canonical encoding of args in data:
// one head word per argument plus the padded tail of each string or bytes
// value, located through its head offset.
func encodedLen(args abi.Arguments, data []byte) (int, error) {
	end := 32 * len(args)
	for i, a := range args {
		switch a.Type.T {
		case abi.StringTy, abi.BytesTy:
		case abi.SliceTy, abi.ArrayTy, abi.TupleTy:
			// Nested layouts are left to the unpacker.
			return len(data), nil
		default:
			continue
		}
		off, err := word(data, 32*i)
		if err != nil {
			return 0, fmt.Errorf("field %s offset: %w", a.Name, err)
		}
		n, err := word(data, off)
		if err != nil {
			return 0, fmt.Errorf("field %s length: %w", a.Name, err)
		}
		if tail := off + 32 + (n+31)/32*32; tail > end {
			end = tail
		}
	}
	return end, nil
}

// word reads the 32-byte big-endian word at offset at as a length or offset
// bounded by len(data).
func word(data []byte, at int) (int, error) {
	if at+32 > len(data) {
		return 0, fmt.Errorf("word at %d past %d data bytes", at, len(data))
	}
	v := new(big.Int).SetBytes(data[at : at+32])
	if !v.IsInt64() || v.Int64() > int64(len(data)) {
		return 0, fmt.Errorf("value %s exceeds %d data bytes", v, len(data))
	}
	return int(v.Int64()), nil
}

func build(meta domain.EventMeta, kind domain.EventKind, f map[string]any) (domain.Event, error) {
	marketID, err := uint64Field(f, "marketId")
	if err != nil {
		return nil, err
	}

	switch kind {
	case domain.KindMarketCreated:
		creator, err := addressField(f, "creator")
		if err != nil {
			return nil, err
		}
		end, err := bigField(f, "endTime")
		if err != nil {
			return nil, err
		}
		if !end.IsInt64() {
			return nil, fmt.Errorf("endTime %s out of range", end)
		}
		ev := domain.MarketCreated{EventMeta: meta, MarketID: marketID, Creator: creator, EndTime: end.Int64()}
		for name, dst := range map[string]*string{
			"question": &ev.Question, "description": &ev.Description, "category": &ev.Category,
			"image": &ev.Image, "source": &ev.Source,
		} {
			s, ok := f[name].(string)
			if !ok {
				return nil, fmt.Errorf("field %s: want string, got %T", name, f[name])
			}
			*dst = s
		}
		return ev, nil

	case domain.KindSharesBought:
		buyer, err := addressField(f, "buyer")
		if err != nil {
			return nil, err
		}
		side, ok := f["isYes"].(bool)
		if !ok {
			return nil, fmt.Errorf("field isYes: want bool, got %T", f["isYes"])
		}
		amount, err := bigField(f, "amount")
		if err != nil {
			return nil, err
		}
		return domain.SharesBought{
			EventMeta: meta, MarketID: marketID, Buyer: buyer, Side: side, Amount: domain.NewAmount(amount),
		}, nil

	case domain.KindMarketResolved:
		outcome, ok := f["outcome"].(bool)
		if !ok {
			return nil, fmt.Errorf("field outcome: want bool, got %T", f["outcome"])
		}
		return domain.MarketResolved{EventMeta: meta, MarketID: marketID, Outcome: outcome}, nil

	case domain.KindWinningsClaimed:
		user, err := addressField(f, "user")
		if err != nil {
			return nil, err
		}
		amount, err := bigField(f, "amount")
		if err != nil {
			return nil, err
		}
		return domain.WinningsClaimed{EventMeta: meta, MarketID: marketID, User: user, Amount: domain.NewAmount(amount)}, nil

	case domain.KindMarketCancelled:
		return domain.MarketCancelled{EventMeta: meta, MarketID: marketID}, nil
	}
	return nil, fmt.Errorf("no mapping for %s", kind)
}

func bigField(f map[string]any, name string) (*big.Int, error) {
	v, ok := f[name].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("field %s: want uint256, got %T", name, f[name])
	}
	return v, nil
}

func uint64Field(f map[string]any, name string) (uint64, error) {
	v, err := bigField(f, name)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("field %s: %s overflows uint64", name, v)
	}
	return v.Uint64(), nil
}

func addressField(f map[string]any, name string) (string, error) {
	v, ok := f[name].(common.Address)
	if !ok {
		return "", fmt.Errorf("field %s: want address, got %T", name, f[name])
	}
	return strings.ToLower(v.Hex()), nil
}

package event_test

import (
	"errors"
	"reflect"
	"testing"

	"Percolator/internal/event"
	"Percolator/internal/riskerr"
	"Percolator/internal/state"

	"github.com/gagliardetto/solana-go"
)

func allInstructions() []event.Instruction {
	key := solana.NewWallet().PublicKey()
	return []event.Instruction{
		&event.InitMarket{
			Admin:              key,
			CollateralMint:     solana.NewWallet().PublicKey(),
			MaxStalenessSlots:  50,
			ConfFilterBps:      25,
			Invert:             true,
			UnitScale:          1_000,
			InitialMarkPriceE6: 7_000_000,
			Params:             state.DefaultRiskParams(),
		},
		&event.InitUser{FeePayment: 10},
		&event.InitLP{MatcherProgram: key, MatcherContext: solana.NewWallet().PublicKey(), FeePayment: 1},
		&event.Deposit{UserIdx: 3, Amount: 99},
		&event.Withdraw{UserIdx: 4, Amount: 1},
		&event.KeeperCrank{CallerIdx: event.CrankPermissionless, FundingRateBpsPerSlot: -7, AllowPanic: true},
		&event.TradeNoCpi{LPIdx: 0, UserIdx: 1, Size: -123_456},
		&event.LiquidateAtOracle{TargetIdx: 9},
		&event.CloseAccount{UserIdx: 2},
		&event.TopUpInsurance{Amount: 5_000},
		&event.TradeCpi{LPIdx: 2, UserIdx: 5, Size: 1 << 40},
		&event.SetRiskThreshold{Threshold: 77},
		&event.UpdateAdmin{NewAdmin: solana.PublicKey{}},
		&event.UpdateConfig{MaxStalenessSlots: 30, ConfFilterBps: 150, UnitScale: 1000, PriceCapE2Bps: 500, Params: state.DefaultRiskParams()},
		&event.SetPriceCap{CapE2Bps: 10_000},
		&event.CloseSlab{},
		&event.SetOracleAuthority{Authority: key},
		&event.PushOraclePrice{PriceE6: 138_000_000, PublishSlot: 12},
	}
}

func TestEncodeDecodeEveryInstruction(t *testing.T) {
	for i, ix := range allInstructions() {
		if int(ix.Tag()) != i {
			t.Fatalf("%T has tag %d, want %d", ix, ix.Tag(), i)
		}
		t.Run(ix.Tag().String(), func(t *testing.T) {
			data := event.Encode(ix)
			if data[0] != byte(ix.Tag()) {
				t.Fatalf("leading byte %d", data[0])
			}
			got, err := event.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, ix) {
				t.Errorf("round trip:\n got %+v\nwant %+v", got, ix)
			}
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	trade := event.Encode(&event.TradeNoCpi{LPIdx: 1, UserIdx: 2, Size: 5})
	wide := append([]byte(nil), trade...)
	wide[len(wide)-1] = 0x01 // high half of a positive size

	crank := event.Encode(&event.KeeperCrank{})
	badBool := append([]byte(nil), crank...)
	badBool[len(badBool)-1] = 2

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{200}},
		{"short", trade[:len(trade)-1]},
		{"trailing", append(append([]byte(nil), trade...), 0)},
		{"size outside i64", wide},
		{"bad bool", badBool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := event.Decode(tt.data); !errors.Is(err, riskerr.ErrInvalidInstruction) {
				t.Errorf("got %v, want invalid instruction", err)
			}
		})
	}
}

func TestTagNamesAndAccountCounts(t *testing.T) {
	if event.TagTradeCpi.String() != "TradeCpi" {
		t.Errorf("TagTradeCpi = %q", event.TagTradeCpi.String())
	}
	if event.Tag(99).String() != "Unknown" {
		t.Error("out-of-range tag should be Unknown")
	}
	if event.AccountCount(event.TagTradeCpi) != 7 || event.AccountCount(event.TagKeeperCrank) != 3 {
		t.Error("unexpected account counts")
	}
	if event.AccountCount(event.Tag(99)) != 0 {
		t.Error("unknown tag should take no accounts")
	}
}

func FuzzDecode(f *testing.F) {
	for _, ix := range allInstructions() {
		f.Add(event.Encode(ix))
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		ix, err := event.Decode(data)
		if err != nil {
			return
		}
		if again := event.Encode(ix); string(again) != string(data) {
			t.Fatalf("decode/encode not canonical for tag %d", data[0])
		}
	})
}

package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	domain "polymarket-copytrader/pkg/types"
)

func packUint256s(vals ...*big.Int) []byte {
	out := make([]byte, 0, len(vals)*32)
	for _, v := range vals {
		out = append(out, common.LeftPadBytes(v.Bytes(), 32)...)
	}
	return out
}

func fillLog(wallet, counterparty common.Address, walletIsMaker bool, makerAssetID, takerAssetID, makerAmount, takerAmount, fee *big.Int) ethtypes.Log {
	maker, taker := wallet, counterparty
	if !walletIsMaker {
		maker, taker = counterparty, wallet
	}
	return ethtypes.Log{
		Address: common.HexToAddress(legacyExchange),
		Topics: []common.Hash{
			OrderFilledTopic,
			common.HexToHash("0xaaaa000000000000000000000000000000000000000000000000000000000001"),
			PadAddressTopic(maker),
			PadAddressTopic(taker),
		},
		Data:        packUint256s(makerAssetID, takerAssetID, makerAmount, takerAmount, fee),
		BlockNumber: 7_000_000,
		TxHash:      common.HexToHash("0xbeef"),
		Index:       3,
	}
}

func TestDecodeMakerBuys(t *testing.T) {
	t.Parallel()
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")

	// Maker pays $60 collateral for 100 shares of token 123456.
	log := fillLog(wallet, other, true,
		big.NewInt(0), big.NewInt(123456),
		big.NewInt(60_000_000), big.NewInt(100_000_000), big.NewInt(25_000))

	fill, err := DecodeOrderFilled(log, wallet, RoleMaker)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fill.Side != domain.BUY {
		t.Errorf("side = %s, want BUY", fill.Side)
	}
	if fill.AssetID != "123456" {
		t.Errorf("assetID = %s, want 123456", fill.AssetID)
	}
	if fill.PriceMicros != 600_000 {
		t.Errorf("price = %d, want 600000", fill.PriceMicros)
	}
	if fill.ShareMicros != 100_000_000 {
		t.Errorf("shares = %d, want 100000000", fill.ShareMicros)
	}
	if fill.NotionalMicros != 60_000_000 {
		t.Errorf("notional = %d, want 60000000", fill.NotionalMicros)
	}
	if fill.FeeMicros != 25_000 {
		t.Errorf("fee = %d, want 25000", fill.FeeMicros)
	}
	if fill.BlockNumber != 7_000_000 || fill.LogIndex != 3 {
		t.Errorf("provenance = block %d index %d", fill.BlockNumber, fill.LogIndex)
	}
}

func TestDecodeTakerOfBuyingMakerSells(t *testing.T) {
	t.Parallel()
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")

	// Counterparty is the buying maker; our wallet takes the other side.
	log := fillLog(wallet, other, false,
		big.NewInt(0), big.NewInt(123456),
		big.NewInt(60_000_000), big.NewInt(100_000_000), big.NewInt(0))

	fill, err := DecodeOrderFilled(log, wallet, RoleTaker)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fill.Side != domain.SELL {
		t.Errorf("side = %s, want SELL", fill.Side)
	}
}

func TestDecodeMakerSells(t *testing.T) {
	t.Parallel()
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")

	// Maker gives 100 shares, receives $40: SELL at 0.40.
	log := fillLog(wallet, other, true,
		big.NewInt(987654), big.NewInt(0),
		big.NewInt(100_000_000), big.NewInt(40_000_000), big.NewInt(0))

	fill, err := DecodeOrderFilled(log, wallet, RoleMaker)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fill.Side != domain.SELL {
		t.Errorf("side = %s, want SELL", fill.Side)
	}
	if fill.PriceMicros != 400_000 {
		t.Errorf("price = %d, want 400000", fill.PriceMicros)
	}
	if fill.AssetID != "987654" {
		t.Errorf("assetID = %s, want 987654", fill.AssetID)
	}
}

func TestDecodePriceRounds(t *testing.T) {
	t.Parallel()
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")

	// $1 for 3 shares: 1e6/3 rounds to 333333.
	log := fillLog(wallet, other, true,
		big.NewInt(0), big.NewInt(5),
		big.NewInt(1_000_000), big.NewInt(3_000_000), big.NewInt(0))

	fill, err := DecodeOrderFilled(log, wallet, RoleMaker)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fill.PriceMicros != 333_333 {
		t.Errorf("price = %d, want 333333", fill.PriceMicros)
	}
}

func TestDecodeRejectsDoubleCollateral(t *testing.T) {
	t.Parallel()
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")

	log := fillLog(wallet, wallet, true,
		big.NewInt(0), big.NewInt(0),
		big.NewInt(1), big.NewInt(1), big.NewInt(0))

	if _, err := DecodeOrderFilled(log, wallet, RoleMaker); err == nil {
		t.Fatal("expected error for fill without an outcome token side")
	}
}

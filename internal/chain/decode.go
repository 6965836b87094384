// Package chain detects followed-wallet fills from the exchange contracts'
// OrderFilled logs over an Ethereum-style WS endpoint.
package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	domain "polymarket-copytrader/pkg/types"
)

const (
	// Exchange contracts emitting OrderFilled.
	legacyExchange  = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
)

// OrderFilledTopic is the keccak hash of the event signature, used as the
// topic-0 filter on the log subscription.
var OrderFilledTopic = crypto.Keccak256Hash(
	[]byte("OrderFilled(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)"))

// ExchangeAddresses returns the contracts whose logs carry fills.
func ExchangeAddresses() []common.Address {
	return []common.Address{
		common.HexToAddress(legacyExchange),
		common.HexToAddress(negRiskExchange),
	}
}

var orderFilledABI abi.ABI

func init() {
	var err error
	orderFilledABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "OrderFilled",
			"type": "event",
			"inputs": [
				{"name": "orderHash", "type": "bytes32", "indexed": true},
				{"name": "maker", "type": "address", "indexed": true},
				{"name": "taker", "type": "address", "indexed": true},
				{"name": "makerAssetId", "type": "uint256"},
				{"name": "takerAssetId", "type": "uint256"},
				{"name": "makerAmountFilled", "type": "uint256"},
				{"name": "takerAmountFilled", "type": "uint256"},
				{"name": "fee", "type": "uint256"}
			]
		}
	]`))
	if err != nil {
		panic("order filled abi parse: " + err.Error())
	}
}

// WalletRole says which side of the fill the followed wallet was on.
type WalletRole string

const (
	RoleMaker WalletRole = "MAKER"
	RoleTaker WalletRole = "TAKER"
)

// DecodedFill is one OrderFilled log resolved against a followed wallet.
// Both USDC and outcome tokens use 6 decimals on chain, so the raw amounts
// are already micros.
type DecodedFill struct {
	TxHash         string
	LogIndex       uint32
	BlockNumber    uint64
	OrderHash      string
	Wallet         common.Address
	Role           WalletRole
	AssetID        string // outcome token id, decimal string
	Side           domain.Side
	PriceMicros    int32
	ShareMicros    int64
	NotionalMicros int64
	FeeMicros      int64
	DetectTime     time.Time
}

// DecodeOrderFilled decodes one log against a followed wallet address.
// Exactly one of makerAssetId/takerAssetId is the collateral id (zero);
// the other is the outcome token. The wallet's side follows from which
// asset it gave away: paying collateral is a BUY, paying tokens a SELL.
func DecodeOrderFilled(log types.Log, wallet common.Address, role WalletRole) (DecodedFill, error) {
	if len(log.Topics) < 4 {
		return DecodedFill{}, fmt.Errorf("order filled log with %d topics", len(log.Topics))
	}

	vals, err := orderFilledABI.Unpack("OrderFilled", log.Data)
	if err != nil {
		return DecodedFill{}, fmt.Errorf("unpack order filled: %w", err)
	}
	makerAssetID := vals[0].(*big.Int)
	takerAssetID := vals[1].(*big.Int)
	makerAmount := vals[2].(*big.Int)
	takerAmount := vals[3].(*big.Int)
	fee := vals[4].(*big.Int)

	makerIsCollateral := makerAssetID.Sign() == 0
	takerIsCollateral := takerAssetID.Sign() == 0
	if makerIsCollateral == takerIsCollateral {
		return DecodedFill{}, fmt.Errorf("fill without exactly one collateral side: maker=%s taker=%s",
			makerAssetID, takerAssetID)
	}

	var tokenID, usdcAmount, tokenAmount *big.Int
	// makerBuys: the maker pays collateral and receives outcome tokens.
	var makerBuys bool
	if makerIsCollateral {
		tokenID, usdcAmount, tokenAmount = takerAssetID, makerAmount, takerAmount
		makerBuys = true
	} else {
		tokenID, usdcAmount, tokenAmount = makerAssetID, takerAmount, makerAmount
		makerBuys = false
	}

	side := domain.SELL
	if (role == RoleMaker) == makerBuys {
		side = domain.BUY
	}

	return DecodedFill{
		TxHash:         log.TxHash.Hex(),
		LogIndex:       uint32(log.Index),
		BlockNumber:    log.BlockNumber,
		OrderHash:      common.Hash(log.Topics[1]).Hex(),
		Wallet:         wallet,
		Role:           role,
		AssetID:        tokenID.String(),
		Side:           side,
		PriceMicros:    pricePerShare(usdcAmount, tokenAmount),
		ShareMicros:    clampToInt64(tokenAmount),
		NotionalMicros: clampToInt64(usdcAmount),
		FeeMicros:      clampToInt64(fee),
		DetectTime:     time.Now().UTC(),
	}, nil
}

// pricePerShare computes round(usdc * 1e6 / tokens) in big-int space so
// uint256 amounts cannot overflow before division.
func pricePerShare(usdc, tokens *big.Int) int32 {
	if tokens.Sign() == 0 {
		return 0
	}
	num := new(big.Int).Mul(usdc, big.NewInt(1_000_000))
	half := new(big.Int).Rsh(new(big.Int).Set(tokens), 1)
	num.Add(num, half)
	num.Div(num, tokens)
	if !num.IsInt64() {
		return 0
	}
	p := num.Int64()
	if p < 0 {
		return 0
	}
	if p > 1_000_000 {
		return 1_000_000
	}
	return int32(p)
}

func clampToInt64(v *big.Int) int64 {
	if !v.IsInt64() {
		return int64(^uint64(0) >> 1) // MaxInt64
	}
	return v.Int64()
}

// PadAddressTopic zero-pads a wallet address to the 32-byte topic form used
// on maker/taker topic positions.
func PadAddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

package keys

import (
	"github.com/ethereum/go-ethereum/common"
)

// Base keys.
var (
	MinOracleSigners                 = Hash("MIN_ORACLE_SIGNERS")
	MinOracleBlockConfirmations      = Hash("MIN_ORACLE_BLOCK_CONFIRMATIONS")
	MaxOraclePriceAge                = Hash("MAX_ORACLE_PRICE_AGE")
	MaxOracleRefPriceDeviationFactor = Hash("MAX_ORACLE_REF_PRICE_DEVIATION_FACTOR")
	PriceFeed                        = Hash("PRICE_FEED")
	PriceFeedID                      = Hash("PRICE_FEED_ID")
	PriceFeedMultiplier              = Hash("PRICE_FEED_MULTIPLIER")
	PriceFeedHeartbeatDuration       = Hash("PRICE_FEED_HEARTBEAT_DURATION")
	StablePrice                      = Hash("STABLE_PRICE")
	LatestPrice                      = Hash("LATEST_PRICE")
	MaxPnlFactor                     = Hash("MAX_PNL_FACTOR")
	MaxPnlFactorForTraders           = Hash("MAX_PNL_FACTOR_FOR_TRADERS")
	MaxPnlFactorForAdl               = Hash("MAX_PNL_FACTOR_FOR_ADL")
	MaxPnlFactorForWithdrawals       = Hash("MAX_PNL_FACTOR_FOR_WITHDRAWALS")
	MaxPnlFactorForDeposits          = Hash("MAX_PNL_FACTOR_FOR_DEPOSITS")
	MinPnlFactorAfterAdl             = Hash("MIN_PNL_FACTOR_AFTER_ADL")
	IsAdlEnabled                     = Hash("IS_ADL_ENABLED")
	LatestAdlBlock                   = Hash("LATEST_ADL_BLOCK")
	PoolAmount                       = Hash("POOL_AMOUNT")
	OpenInterest                     = Hash("OPEN_INTEREST")
	OpenInterestInTokens             = Hash("OPEN_INTEREST_IN_TOKENS")
	MarketTokenSupply                = Hash("MARKET_TOKEN_SUPPLY")
	MinCollateralUsd                 = Hash("MIN_COLLATERAL_USD")
	MinCollateralFactor              = Hash("MIN_COLLATERAL_FACTOR")
	MinPositionSizeUsd               = Hash("MIN_POSITION_SIZE_USD")
	PositionFeeFactor                = Hash("POSITION_FEE_FACTOR")
	SwapFeeFactor                    = Hash("SWAP_FEE_FACTOR")
	BorrowingFactor                  = Hash("BORROWING_FACTOR")
	CumulativeBorrowingFactor        = Hash("CUMULATIVE_BORROWING_FACTOR")
	CumulativeBorrowingFactorUpdated = Hash("CUMULATIVE_BORROWING_FACTOR_UPDATED_AT")
	TotalBorrowing                   = Hash("TOTAL_BORROWING")
	ReserveFactor                    = Hash("RESERVE_FACTOR")
	MaxSwapPathLength                = Hash("MAX_SWAP_PATH_LENGTH")
	MarketList                       = Hash("MARKET_LIST")
	Market                           = Hash("MARKET")
	IsMarketDisabled                 = Hash("IS_MARKET_DISABLED")
	OrderList                        = Hash("ORDER_LIST")
	AccountOrderList                 = Hash("ACCOUNT_ORDER_LIST")
	Order                            = Hash("ORDER")
	PositionList                     = Hash("POSITION_LIST")
	AccountPositionList              = Hash("ACCOUNT_POSITION_LIST")
	Position                         = Hash("POSITION")
	Nonce                            = Hash("NONCE")
)

// PriceFeedKey stores the feed address of a token.
func PriceFeedKey(token common.Address) common.Hash { return Derive(PriceFeed, token) }

// PriceFeedIDKey stores the feed identifier of a token.
func PriceFeedIDKey(token common.Address) common.Hash { return Derive(PriceFeedID, token) }

// PriceFeedMultiplierKey stores the precomputed normalisation multiplier.
func PriceFeedMultiplierKey(token common.Address) common.Hash {
	return Derive(PriceFeedMultiplier, token)
}

// PriceFeedHeartbeatDurationKey stores the max feed age in seconds.
func PriceFeedHeartbeatDurationKey(token common.Address) common.Hash {
	return Derive(PriceFeedHeartbeatDuration, token)
}

// StablePriceKey stores the stable override in canonical precision.
func StablePriceKey(token common.Address) common.Hash { return Derive(StablePrice, token) }

// LatestPriceKey stores the midpoint of the last validated price of a token.
func LatestPriceKey(token common.Address) common.Hash { return Derive(LatestPrice, token) }

// MaxPnlFactorKey stores the pnl cap of one threshold family for a market side.
func MaxPnlFactorKey(pnlFactorType common.Hash, market common.Address, isLong bool) common.Hash {
	return Derive(MaxPnlFactor, pnlFactorType, market, isLong)
}

// MinPnlFactorAfterAdlKey stores the floor an ADL execution may not cross.
func MinPnlFactorAfterAdlKey(market common.Address, isLong bool) common.Hash {
	return Derive(MinPnlFactorAfterAdl, market, isLong)
}

// IsAdlEnabledKey stores the ADL flag of a market side.
func IsAdlEnabledKey(market common.Address, isLong bool) common.Hash {
	return Derive(IsAdlEnabled, market, isLong)
}

// LatestAdlBlockKey stores the block at which ADL was last enabled.
func LatestAdlBlockKey(market common.Address, isLong bool) common.Hash {
	return Derive(LatestAdlBlock, market, isLong)
}

// PoolAmountKey stores the amount of token held by a market pool.
func PoolAmountKey(market, token common.Address) common.Hash {
	return Derive(PoolAmount, market, token)
}

// OpenInterestKey stores open interest in USD per collateral token and side.
func OpenInterestKey(market, collateralToken common.Address, isLong bool) common.Hash {
	return Derive(OpenInterest, market, collateralToken, isLong)
}

// OpenInterestInTokensKey stores open interest in index tokens.
func OpenInterestInTokensKey(market, collateralToken common.Address, isLong bool) common.Hash {
	return Derive(OpenInterestInTokens, market, collateralToken, isLong)
}

// MarketTokenSupplyKey stores the outstanding market token supply.
func MarketTokenSupplyKey(market common.Address) common.Hash {
	return Derive(MarketTokenSupply, market)
}

// MinCollateralFactorKey stores the maintenance margin ratio of a market.
func MinCollateralFactorKey(market common.Address) common.Hash {
	return Derive(MinCollateralFactor, market)
}

// PositionFeeFactorKey stores the position fee charged on size changes.
func PositionFeeFactorKey(market common.Address) common.Hash {
	return Derive(PositionFeeFactor, market)
}

// SwapFeeFactorKey stores the fee charged on in-market swaps.
func SwapFeeFactorKey(market common.Address) common.Hash {
	return Derive(SwapFeeFactor, market)
}

// BorrowingFactorKey stores the per-second borrowing rate of a side.
func BorrowingFactorKey(market common.Address, isLong bool) common.Hash {
	return Derive(BorrowingFactor, market, isLong)
}

// CumulativeBorrowingFactorKey stores the accrued borrowing factor of a side.
func CumulativeBorrowingFactorKey(market common.Address, isLong bool) common.Hash {
	return Derive(CumulativeBorrowingFactor, market, isLong)
}

// CumulativeBorrowingFactorUpdatedAtKey stores the last accrual timestamp.
func CumulativeBorrowingFactorUpdatedAtKey(market common.Address, isLong bool) common.Hash {
	return Derive(CumulativeBorrowingFactorUpdated, market, isLong)
}

// TotalBorrowingKey stores sum(size * borrowingFactor) of open positions.
func TotalBorrowingKey(market common.Address, isLong bool) common.Hash {
	return Derive(TotalBorrowing, market, isLong)
}

// ReserveFactorKey stores the share of a side's pool that may back open interest.
func ReserveFactorKey(market common.Address, isLong bool) common.Hash {
	return Derive(ReserveFactor, market, isLong)
}

// MarketKey stores the encoded market properties.
func MarketKey(market common.Address) common.Hash { return Derive(Market, market) }

// IsMarketDisabledKey stores the disabled flag of a market.
func IsMarketDisabledKey(market common.Address) common.Hash {
	return Derive(IsMarketDisabled, market)
}

// AccountOrderListKey is the ordered set of an account's order keys.
func AccountOrderListKey(account common.Address) common.Hash {
	return Derive(AccountOrderList, account)
}

// OrderKey stores the encoded order.
func OrderKey(key common.Hash) common.Hash { return Derive(Order, key) }

// AccountPositionListKey is the ordered set of an account's position keys.
func AccountPositionListKey(account common.Address) common.Hash {
	return Derive(AccountPositionList, account)
}

// PositionKey stores the encoded position.
func PositionKey(key common.Hash) common.Hash { return Derive(Position, key) }

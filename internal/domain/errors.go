package domain

import "errors"

// Infrastructure.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	ErrNegativeValue = errors.New("value would become negative")
	ErrTxClosed      = errors.New("transaction already committed or discarded")
)

// Oracle errors are fatal to the call; the caller resubmits fresh reports.
var (
	ErrMissingPriceReport             = errors.New("missing price report")
	ErrInvalidPriceReport             = errors.New("invalid price report")
	ErrInvalidOracleBlock             = errors.New("invalid oracle block")
	ErrInsufficientSigners            = errors.New("insufficient signers")
	ErrStalePrice                     = errors.New("stale price")
	ErrInsufficientBlockConfirmations = errors.New("insufficient block confirmations")
	ErrPriceDeviationExceeded         = errors.New("price deviation exceeded")
	ErrNoPriceOverlap                 = errors.New("no price overlap")
	ErrPriceFeedNotConfigured         = errors.New("price feed not configured")
	ErrMissingTokenPrice              = errors.New("token price missing from price set")
)

// Risk-policy errors signal an unmet precondition.
var (
	ErrAdlNotEnabled           = errors.New("adl not enabled")
	ErrAdlNotExpectedToImprove = errors.New("adl not expected to improve pnl factor")
	ErrPnlOvercorrected        = errors.New("pnl factor overcorrected")
	ErrOracleBlockBeforeAdl    = errors.New("oracle block precedes latest adl block")
	ErrPositionNotLiquidatable = errors.New("position not liquidatable")
	ErrPositionNotFound        = errors.New("position not found")
	ErrNegativePoolValue       = errors.New("negative pool value")
)

// Order lifecycle errors. Cancellation and freezing are outcomes, not errors;
// the reasons below classify them.
var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrOrderNotTriggered      = errors.New("order not triggered")
	ErrInvalidOrder           = errors.New("invalid order parameters")
	ErrMarketNotFound         = errors.New("market not found")
	ErrMarketDisabled         = errors.New("market disabled")
	ErrInvalidSwapPath        = errors.New("invalid swap path")
	ErrMaxSwapPathLength      = errors.New("max swap path length exceeded")
	ErrOrderPriceUnacceptable = errors.New("order price unacceptable")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInsufficientOutput     = errors.New("insufficient swap output amount")
	ErrInvalidDecreaseSize    = errors.New("invalid decrease order size")
	ErrMinPositionSize        = errors.New("position size below minimum")
	ErrInsufficientPoolAmount = errors.New("insufficient pool amount")
	ErrInsufficientReserve    = errors.New("insufficient reserve")
	ErrEmptyPosition          = errors.New("empty position")
	ErrEmptySizeDeltaInTokens = errors.New("size delta rounds to zero tokens")
	ErrUnsupportedOrderType   = errors.New("unsupported order type")
)

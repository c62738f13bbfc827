package indicator

import "github.com/shopspring/decimal"

var (
	decHundred = decimal.NewFromInt(100)
)

// rsi computes the Relative Strength Index using Wilder's smoothed
// gain/loss averages. prices must be chronological and hold at least
// window+1 entries; extra leading history refines the smoothing.
func rsi(prices []decimal.Decimal, window int) decimal.Decimal {
	gains := make([]decimal.Decimal, 0, len(prices)-1)
	losses := make([]decimal.Decimal, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		delta := prices[i].Sub(prices[i-1])
		if delta.Sign() >= 0 {
			gains = append(gains, delta)
			losses = append(losses, decimal.Zero)
		} else {
			gains = append(gains, decimal.Zero)
			losses = append(losses, delta.Neg())
		}
	}

	win := decimal.NewFromInt(int64(window))
	avgGain := sumDecimals(gains[:window]).Div(win)
	avgLoss := sumDecimals(losses[:window]).Div(win)

	// Wilder smoothing over any deltas beyond the seed window.
	winMinusOne := decimal.NewFromInt(int64(window - 1))
	for i := window; i < len(gains); i++ {
		avgGain = avgGain.Mul(winMinusOne).Add(gains[i]).Div(win)
		avgLoss = avgLoss.Mul(winMinusOne).Add(losses[i]).Div(win)
	}

	if avgLoss.IsZero() {
		return decHundred
	}

	rs := avgGain.Div(avgLoss)
	return decHundred.Sub(decHundred.Div(decimal.NewFromInt(1).Add(rs)))
}

// sma is the arithmetic mean of the last window prices.
func sma(prices []decimal.Decimal, window int) decimal.Decimal {
	tail := prices[len(prices)-window:]
	return sumDecimals(tail).Div(decimal.NewFromInt(int64(window)))
}

func sumDecimals(values []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

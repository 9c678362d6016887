package math

// ComputeFundingIndexDelta returns the growth of the cumulative funding index
// over dt slots: rate_bps_per_slot * price_e6 * dt / 1e4.
// The index is expressed in price_e6 units owed per unit of long position.
func ComputeFundingIndexDelta(rateBpsPerSlot int64, priceE6 uint64, dt uint64) int64 {
	if rateBpsPerSlot == 0 || dt == 0 || priceE6 == 0 {
		return 0
	}
	num := getInt128()
	tmp := getInt128()
	den := getInt128()
	defer func() {
		putInt128(num)
		putInt128(tmp)
		putInt128(den)
	}()

	num.SetInt64(rateBpsPerSlot)
	num.Mul(num, tmp.SetUint64(priceE6))
	num.Mul(num, tmp.SetUint64(dt))
	den.SetInt64(BpsScale)
	divideRounded(num, num, den, RoundDown)
	return clampInt64(num)
}

// ComputeFundingPayment calculates what a position owes for an index move.
// Returns: payment amount (positive = account pays, negative = account receives).
// Payments round up and receipts round toward zero, so funding never mints value.
func ComputeFundingPayment(size int64, indexDelta int64) int64 {
	if size == 0 || indexDelta == 0 {
		return 0
	}
	num := getInt128()
	tmp := getInt128()
	den := getInt128()
	defer func() {
		putInt128(num)
		putInt128(tmp)
		putInt128(den)
	}()

	num.SetInt64(size)
	num.Mul(num, tmp.SetInt64(indexDelta))
	// ceil(x) == -floor(-x)
	num.Neg(num)
	den.SetInt64(PriceScale)
	divideRounded(num, num, den, RoundFloor)
	num.Neg(num)
	return clampInt64(num)
}

// FundingSettlement represents computed funding for a set of positions
type FundingSettlement struct {
	Payments         []AccountPayment
	RoundingResidual int64 // paid minus received
}

type AccountPayment struct {
	Index   uint16
	Payment int64 // Signed: positive = pays, negative = receives
}

type PositionForFunding struct {
	Index      uint16
	Size       int64
	IndexDelta int64 // current index minus the account's snapshot
}

// ComputeFundingSettlement calculates funding for every position in index order.
func ComputeFundingSettlement(positions []PositionForFunding) *FundingSettlement {
	settlement := &FundingSettlement{
		Payments: make([]AccountPayment, 0, len(positions)),
	}

	var totalPaid, totalReceived int64
	for _, pos := range positions {
		if pos.Size == 0 {
			continue // Skip flat positions
		}

		payment := ComputeFundingPayment(pos.Size, pos.IndexDelta)
		if payment == 0 {
			continue
		}
		settlement.Payments = append(settlement.Payments, AccountPayment{
			Index:   pos.Index,
			Payment: payment,
		})
		if payment > 0 {
			totalPaid = SatAdd(totalPaid, payment)
		} else {
			totalReceived = SatAdd(totalReceived, SatNeg(payment))
		}
	}

	settlement.RoundingResidual = SatSub(totalPaid, totalReceived)
	return settlement
}

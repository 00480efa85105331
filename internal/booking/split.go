package booking

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrShareMismatch  = errors.New("participant shares do not reconcile")
	ErrNoParticipants = errors.New("booking has no active participants")
)

var oneHundred = decimal.NewFromInt(100)

// cent is the currency's minimum unit.
var cent = decimal.New(1, -2)

type Share struct {
	Participant BookingParticipant
	Amount      decimal.Decimal
}

// PlatformFee returns the fee charged on amount at the given rate, rounded to
// the minimum currency unit.
func PlatformFee(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Round(2)
}

// Distributable returns the booking total minus the platform fee, the pool a
// FIXED booking's shares must reconcile against.
func Distributable(b *Booking) decimal.Decimal {
	return b.TotalAgreedPrice.Sub(PlatformFee(b.TotalAgreedPrice, b.PlatformFeeRate))
}

// ComputeShares returns each active participant's entitled amount, in
// participant order.
//
// FIXED bookings read agreed shares: absolute amounts must sum exactly to the
// distributable total, percentage shares must sum to 100 and are rounded with
// largest-remainder allocation so no cent is lost or gained. HOURLY bookings
// compute hours × rate per participant; when the raw sum exceeds the
// total agreed price every amount is scaled down proportionally to fit the
// cap, with the same remainder rule.
func ComputeShares(b *Booking, participants []BookingParticipant) ([]Share, error) {
	active := make([]BookingParticipant, 0, len(participants))
	for _, p := range participants {
		if p.Status == ParticipantActive {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return nil, ErrNoParticipants
	}

	switch b.PricingType {
	case PricingFixed:
		return fixedShares(b, active)
	case PricingHourly:
		return hourlyShares(b, active)
	default:
		return nil, ErrShareMismatch
	}
}

func fixedShares(b *Booking, participants []BookingParticipant) ([]Share, error) {
	kind := participants[0].ShareKind
	for _, p := range participants {
		if p.ShareKind != kind {
			return nil, ErrShareMismatch
		}
	}

	distributable := Distributable(b)

	if kind == ShareKindAmount {
		sum := decimal.Zero
		for _, p := range participants {
			if p.AgreedShare.IsNegative() {
				return nil, ErrShareMismatch
			}
			sum = sum.Add(p.AgreedShare)
		}
		if !sum.Equal(distributable) {
			return nil, ErrShareMismatch
		}
		out := make([]Share, len(participants))
		for i, p := range participants {
			out[i] = Share{Participant: p, Amount: p.AgreedShare}
		}
		return out, nil
	}

	if kind != ShareKindPercent {
		return nil, ErrShareMismatch
	}
	percentSum := decimal.Zero
	weights := make([]decimal.Decimal, len(participants))
	for i, p := range participants {
		if p.AgreedShare.IsNegative() {
			return nil, ErrShareMismatch
		}
		percentSum = percentSum.Add(p.AgreedShare)
		weights[i] = p.AgreedShare
	}
	if !percentSum.Equal(oneHundred) {
		return nil, ErrShareMismatch
	}

	amounts, err := allocate(weights, distributable)
	if err != nil {
		return nil, err
	}
	out := make([]Share, len(participants))
	for i, p := range participants {
		out[i] = Share{Participant: p, Amount: amounts[i]}
	}
	return out, nil
}

func hourlyShares(b *Booking, participants []BookingParticipant) ([]Share, error) {
	raw := make([]decimal.Decimal, len(participants))
	rawSum := decimal.Zero
	for i, p := range participants {
		if p.HourlyRate.IsNegative() || p.HoursLogged.IsNegative() {
			return nil, ErrShareMismatch
		}
		raw[i] = p.HoursLogged.Mul(p.HourlyRate)
		rawSum = rawSum.Add(raw[i])
	}

	// Budget cap: exceeding the agreed price scales everyone down
	// proportionally. This is deliberate policy, not truncation.
	target := rawSum.RoundDown(2)
	if rawSum.GreaterThan(b.TotalAgreedPrice) {
		target = b.TotalAgreedPrice
	}

	out := make([]Share, len(participants))
	if target.IsZero() {
		for i, p := range participants {
			out[i] = Share{Participant: p, Amount: decimal.Zero}
		}
		return out, nil
	}

	amounts, err := allocate(raw, target)
	if err != nil {
		return nil, err
	}
	for i, p := range participants {
		out[i] = Share{Participant: p, Amount: amounts[i]}
	}
	return out, nil
}

// allocate splits total across weights, rounding to the minimum currency unit
// with largest-remainder-first distribution: leftover cents go to shares with
// the largest fractional remainder, ties broken by position, so the rounded
// amounts always sum exactly to total.
func allocate(weights []decimal.Decimal, total decimal.Decimal) ([]decimal.Decimal, error) {
	weightSum := decimal.Zero
	for _, w := range weights {
		weightSum = weightSum.Add(w)
	}
	if weightSum.IsZero() {
		if total.IsZero() {
			return make([]decimal.Decimal, len(weights)), nil
		}
		return nil, ErrShareMismatch
	}

	amounts := make([]decimal.Decimal, len(weights))
	remainders := make([]decimal.Decimal, len(weights))
	floorSum := decimal.Zero
	for i, w := range weights {
		ideal := total.Mul(w).Div(weightSum)
		amounts[i] = ideal.RoundDown(2)
		remainders[i] = ideal.Sub(amounts[i])
		floorSum = floorSum.Add(amounts[i])
	}

	leftoverCents := total.Sub(floorSum).Div(cent).IntPart()
	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return remainders[order[i]].GreaterThan(remainders[order[j]])
	})
	for k := int64(0); k < leftoverCents && k < int64(len(order)); k++ {
		i := order[k]
		amounts[i] = amounts[i].Add(cent)
	}
	return amounts, nil
}

// Package feeutil implements kasmix's integer fee and proportional-output
// math (spec.md §4.5). Every computation here is exact integer arithmetic;
// no float ever touches an amount.
package feeutil

import (
	"context"
	"math/big"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/rpcclient"
	"github.com/opsnode/kasmix/internal/txbuilder"
)

// EstimateFee computes fee = feerate * mass, floored at minFee. Mass is
// derived from the candidate input/output counts with txbuilder.EstimateMass,
// the same estimate the CoinJoin mass prechecks use (spec.md §4.5 step 1,
// §4.9 step "Mass pre-check").
func EstimateFee(ctx context.Context, client rpcclient.Client, numInputs, numOutputs int, minFee amount.Amount) (amount.Amount, error) {
	mass := txbuilder.EstimateMass(numInputs, numOutputs)

	feerate := int64(1)
	if est, err := client.GetFeeEstimate(ctx); err == nil && est.PriorityFeerate > 0 {
		feerate = est.PriorityFeerate
	}

	fee := amount.FromInt64(feerate).Mul(mass)
	if fee.LessThan(minFee) {
		return minFee, nil
	}
	return fee, nil
}

// AllocateProportional splits available across destinations in proportion
// to their requested amounts, raising any sub-dust output to dustThreshold
// and absorbing the resulting excess (or the rounding remainder) into the
// last destination (spec.md §4.5).
func AllocateProportional(destinations []models.Destination, available, dustThreshold amount.Amount) ([]amount.Amount, error) {
	if len(destinations) == 0 {
		return nil, apperr.New(apperr.BadInput, "no destinations to allocate across")
	}

	requested := amount.Zero()
	for _, d := range destinations {
		requested = requested.Add(d.Amount)
	}
	if requested.IsZero() {
		return nil, apperr.New(apperr.BadInput, "requested total is zero")
	}

	out := make([]amount.Amount, len(destinations))
	allocated := amount.Zero()

	for i, d := range destinations {
		if i == len(destinations)-1 {
			break
		}
		share := proportionalShare(d.Amount, requested, available)
		out[i] = share
		allocated = allocated.Add(share)
	}
	out[len(destinations)-1] = available.Sub(allocated)

	// Raise any sub-dust output, absorbing the excess from the last output.
	excess := amount.Zero()
	last := len(out) - 1
	for i := 0; i < last; i++ {
		if out[i].LessThan(dustThreshold) {
			diff := dustThreshold.Sub(out[i])
			out[i] = dustThreshold
			excess = excess.Add(diff)
		}
	}
	if !excess.IsZero() {
		out[last] = out[last].Sub(excess)
	}
	if out[last].LessThan(dustThreshold) && !out[last].IsZero() {
		return nil, apperr.New(apperr.InsufficientFunds, "available too small to keep every output above dust")
	}

	sum := amount.Zero()
	for _, o := range out {
		sum = sum.Add(o)
	}
	if sum.Cmp(available) != 0 {
		return nil, apperr.New(apperr.InsufficientFunds, "proportional allocation did not sum to available")
	}
	return out, nil
}

// proportionalShare computes floor(available * (want / total * 1e9) / 1e9),
// matching spec.md §4.5's fixed-point formula exactly (no intermediate
// float rounding).
func proportionalShare(want, total, available amount.Amount) amount.Amount {
	const scale = 1_000_000_000
	scaled := new(big.Int).Mul(want.BigInt(), big.NewInt(scale))
	scaled.Div(scaled, total.BigInt())

	product := new(big.Int).Mul(available.BigInt(), scaled)
	product.Div(product, big.NewInt(scale))
	return amount.MustFromBigInt(product)
}

// Balance reconciles inputsSum against Σoutputs+fee by adjusting the last
// output; fails InsufficientFunds if the result would be non-positive
// (spec.md §4.5).
func Balance(inputsSum amount.Amount, outputs []amount.Amount, fee amount.Amount) ([]amount.Amount, error) {
	if len(outputs) == 0 {
		return nil, apperr.New(apperr.BadInput, "no outputs to balance")
	}
	sum := amount.Zero()
	for _, o := range outputs {
		sum = sum.Add(o)
	}
	target := inputsSum.Sub(fee)
	diff := target.Sub(sum)
	if diff.IsZero() {
		return outputs, nil
	}

	out := make([]amount.Amount, len(outputs))
	copy(out, outputs)
	last := len(out) - 1
	out[last] = out[last].Add(diff)
	if out[last].Sign() <= 0 {
		return nil, apperr.New(apperr.InsufficientFunds, "balancing would make the last output non-positive")
	}
	return out, nil
}

// RecomputeResult is the outcome of the payout fee-recompute-once policy.
type RecomputeResult struct {
	Outputs []amount.Amount
	Fee     amount.Amount
}

// RecomputePayout implements spec.md §4.5's "payout recompute" rule: after
// an initial allocation, re-estimate the fee against the finalised output
// set; if the new fee is higher, reallocate once against the reduced
// available pool, otherwise keep the original allocation and balance it
// exactly. At most one recompute pass ever runs.
func RecomputePayout(ctx context.Context, client rpcclient.Client, destinations []models.Destination, inputsSum, initialFee, dustThreshold, minFee amount.Amount) (*RecomputeResult, error) {
	available := inputsSum.Sub(initialFee)
	if available.Sign() <= 0 {
		return nil, apperr.New(apperr.InsufficientFunds, "inputs do not cover the initial fee estimate")
	}

	outputs, err := AllocateProportional(destinations, available, dustThreshold)
	if err != nil {
		return nil, err
	}

	newFee, err := EstimateFee(ctx, client, 1, len(outputs), minFee)
	if err != nil {
		return nil, err
	}

	fee := initialFee
	if newFee.GreaterThan(initialFee) {
		fee = newFee
		available = inputsSum.Sub(fee)
		if available.Sign() <= 0 {
			return nil, apperr.New(apperr.InsufficientFunds, "inputs do not cover recomputed fee")
		}
		outputs, err = AllocateProportional(destinations, available, dustThreshold)
		if err != nil {
			return nil, err
		}
	}

	outputs, err = Balance(inputsSum, outputs, fee)
	if err != nil {
		return nil, err
	}

	sum := amount.Zero()
	for _, o := range outputs {
		sum = sum.Add(o)
	}
	if sum.Add(fee).Cmp(inputsSum) != 0 {
		return nil, apperr.New(apperr.Payout, "payout did not balance exactly after recompute")
	}

	return &RecomputeResult{Outputs: outputs, Fee: fee}, nil
}

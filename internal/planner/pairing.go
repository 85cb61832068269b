package planner

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/avr/internal/types"
)

// deltaRecord is one entry of the pairing arena: how much a validator must give or take.
type deltaRecord struct {
	validator common.Address
	amount    sdkmath.Int
}

// PairTransfers matches sources to destinations greedily. Both lists are expected sorted by
// amount, largest first. Each step moves min(source left, destination left) and advances
// whichever side is exhausted, so the result has at most len(excess)+len(deficit)-1 moves.
// If the sides do not balance, the surplus on the larger side is left unmatched.
func PairTransfers(excess, deficit []deltaRecord) []types.Move {
	moves := make([]types.Move, 0, len(excess)+len(deficit))
	i, j := 0, 0
	var give, take sdkmath.Int
	if len(excess) > 0 {
		give = excess[0].amount
	}
	if len(deficit) > 0 {
		take = deficit[0].amount
	}

	for i < len(excess) && j < len(deficit) {
		amount := sdkmath.MinInt(give, take)
		if amount.IsPositive() {
			moves = append(moves, types.Move{
				From:                   excess[i].validator,
				To:                     deficit[j].validator,
				Amount:                 amount,
				EstimatedYieldDeltaBps: sdkmath.LegacyZeroDec(),
			})
		}
		give = give.Sub(amount)
		take = take.Sub(amount)
		if !give.IsPositive() {
			i++
			if i < len(excess) {
				give = excess[i].amount
			}
		}
		if !take.IsPositive() {
			j++
			if j < len(deficit) {
				take = deficit[j].amount
			}
		}
	}
	return moves
}

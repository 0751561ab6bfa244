package market

import "cosmossdk.io/math"

// Nop collaborators are used when a node runs without a market.

type NopLedger struct{}

func (NopLedger) TransferCredits(string, string, math.LegacyDec, string) bool { return true }
func (NopLedger) Balance(string) math.LegacyDec                               { return math.LegacyZeroDec() }

type NopPricing struct{}

func (NopPricing) CalculateTaskPrice(PriceRequest) Quote {
	return Quote{TotalCost: math.LegacyZeroDec()}
}

type NopReputation struct{}

func (NopReputation) AddEvent(Event)                            {}
func (NopReputation) PenalizeMalicious(string, string, float64) {}
func (NopReputation) Level(string) Level                        { return LevelAverage }

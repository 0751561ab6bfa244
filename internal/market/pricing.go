package market

import (
	"cosmossdk.io/math"

	"github.com/ari3lYT/p2pnet/internal/task"
)

type PriceRequest struct {
	TaskType     task.Type
	Requirements task.Requirements
	Priority     string
	// Reputation is the level of the worker that will run the job.
	Reputation Level
	// Capabilities is the worker's free capacity. The zero value means unknown.
	Capabilities Capabilities
}

// Capabilities describes the headroom a worker reported.
type Capabilities struct {
	CPUPercent float64
	GPUPercent float64
	RAMGB      float64
}

type Quote struct {
	TotalCost     math.LegacyDec
	ResourceCosts map[string]math.LegacyDec
	Factors       map[string]math.LegacyDec
}

type Pricing interface {
	CalculateTaskPrice(req PriceRequest) Quote
}

var (
	typeMultipliers = map[task.Type]string{
		task.TypeRangeReduce: "1.0",
		task.TypeMap:         "1.2",
		task.TypeMapReduce:   "1.5",
		task.TypeMatrixOps:   "1.3",
		task.TypeMLInference: "2.0",
		task.TypeMLTrainStep: "3.0",
	}
	priorityMultipliers = map[string]string{
		task.PriorityLow:    "0.8",
		task.PriorityNormal: "1.0",
		task.PriorityHigh:   "1.5",
	}
	reputationMultipliers = map[Level]string{
		LevelTerrible:  "1.5",
		LevelPoor:      "1.2",
		LevelAverage:   "1.0",
		LevelGood:      "0.9",
		LevelExcellent: "0.8",
	}
)

// FlatPricing charges fixed per-resource rates for the declared timeout,
// scaled by task type, priority, worker reputation and resource scarcity.
type FlatPricing struct {
	CPUSecond  math.LegacyDec
	GPUSecond  math.LegacyDec
	RAMGBHour  math.LegacyDec
	DiskGBHour math.LegacyDec
}

func NewFlatPricing() FlatPricing {
	return FlatPricing{
		CPUSecond:  math.LegacyMustNewDecFromStr("0.01"),
		GPUSecond:  math.LegacyMustNewDecFromStr("0.05"),
		RAMGBHour:  math.LegacyMustNewDecFromStr("0.02"),
		DiskGBHour: math.LegacyMustNewDecFromStr("0.005"),
	}
}

func (p FlatPricing) CalculateTaskPrice(req PriceRequest) Quote {
	r := req.Requirements
	seconds := decFromFloat(r.TimeoutSeconds)
	hours := seconds.QuoInt64(3600)
	costs := map[string]math.LegacyDec{
		"cpu":  p.CPUSecond.Mul(seconds).Mul(decFromFloat(r.CPUPercent / 100)),
		"gpu":  p.GPUSecond.Mul(seconds).Mul(decFromFloat(r.GPUPercent / 100)),
		"ram":  p.RAMGBHour.Mul(hours).Mul(decFromFloat(r.RAMGB)),
		"disk": p.DiskGBHour.Mul(hours).Mul(decFromFloat(r.DiskGB)),
	}
	base := math.LegacyZeroDec()
	for _, c := range costs {
		base = base.Add(c)
	}
	factors := map[string]math.LegacyDec{
		"task_type":  multiplier(typeMultipliers[req.TaskType]),
		"priority":   multiplier(priorityMultipliers[req.Priority]),
		"reputation": multiplier(reputationMultipliers[req.Reputation]),
		"scarcity":   decFromFloat(scarcity(r, req.Capabilities)),
	}
	total := base
	for _, k := range []string{"task_type", "priority", "reputation", "scarcity"} {
		total = total.Mul(factors[k])
	}
	return Quote{TotalCost: total, ResourceCosts: costs, Factors: factors}
}

// scarcity grows with the share of a worker's free capacity a job asks for,
// capped at 3. Unknown capacity prices at 1.
func scarcity(r task.Requirements, c Capabilities) float64 {
	m := 1.0
	for _, pair := range [][2]float64{
		{r.CPUPercent, c.CPUPercent},
		{r.GPUPercent, c.GPUPercent},
		{r.RAMGB, c.RAMGB},
	} {
		required, available := pair[0], pair[1]
		if required <= 0 || available <= 0 {
			continue
		}
		m *= 1 + min(2, required/available*0.5)
	}
	return min(3, m)
}

func multiplier(s string) math.LegacyDec {
	if s == "" {
		return math.LegacyOneDec()
	}
	return math.LegacyMustNewDecFromStr(s)
}

// DecFromFloat converts a float price (as carried in task config) to a Dec.
func DecFromFloat(f float64) math.LegacyDec {
	return decFromFloat(f)
}

func decFromFloat(f float64) math.LegacyDec {
	d, err := math.LegacyNewDecFromStr(formatFloat(f))
	if err != nil {
		return math.LegacyZeroDec()
	}
	return d
}

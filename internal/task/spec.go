package task

// Spec is the closed set of type-specific task payloads.
type Spec interface {
	TaskType() Type
	clone() Spec
}

type RangeReduceSpec struct {
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	Operation string `json:"operation"`
	ChunkSize int64  `json:"chunk_size,omitempty"`
}

type MapSpec struct {
	Data     []any          `json:"data"`
	Function string         `json:"function"`
	Params   map[string]any `json:"params,omitempty"`
}

type MapReduceSpec struct {
	Data           []any          `json:"data"`
	MapFunction    string         `json:"map_function"`
	ReduceFunction string         `json:"reduce_function"`
	Params         map[string]any `json:"params,omitempty"`
}

type MatrixOpsSpec struct {
	Operation string      `json:"operation"`
	MatrixA   [][]float64 `json:"matrix_a"`
	MatrixB   [][]float64 `json:"matrix_b,omitempty"`
}

type MLInferenceSpec struct {
	ModelPath string `json:"model_path"`
	InputData []any  `json:"input_data"`
	ModelType string `json:"model_type,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

type MLTrainStepSpec struct {
	ModelPath    string  `json:"model_path"`
	TrainingData []any   `json:"training_data"`
	BatchSize    int     `json:"batch_size,omitempty"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	Epochs       int     `json:"epochs,omitempty"`
	ModelType    string  `json:"model_type,omitempty"`
}

func (*RangeReduceSpec) TaskType() Type { return TypeRangeReduce }
func (*MapSpec) TaskType() Type         { return TypeMap }
func (*MapReduceSpec) TaskType() Type   { return TypeMapReduce }
func (*MatrixOpsSpec) TaskType() Type   { return TypeMatrixOps }
func (*MLInferenceSpec) TaskType() Type { return TypeMLInference }
func (*MLTrainStepSpec) TaskType() Type { return TypeMLTrainStep }

func (s *RangeReduceSpec) clone() Spec {
	c := *s
	return &c
}

func (s *MapSpec) clone() Spec {
	c := *s
	c.Data = cloneValue(s.Data).([]any)
	c.Params = cloneAnyMap(s.Params)
	return &c
}

func (s *MapReduceSpec) clone() Spec {
	c := *s
	c.Data = cloneValue(s.Data).([]any)
	c.Params = cloneAnyMap(s.Params)
	return &c
}

func (s *MatrixOpsSpec) clone() Spec {
	c := *s
	c.MatrixA = cloneMatrix(s.MatrixA)
	c.MatrixB = cloneMatrix(s.MatrixB)
	return &c
}

func (s *MLInferenceSpec) clone() Spec {
	c := *s
	c.InputData = cloneValue(s.InputData).([]any)
	return &c
}

func (s *MLTrainStepSpec) clone() Spec {
	c := *s
	c.TrainingData = cloneValue(s.TrainingData).([]any)
	return &c
}

func cloneMatrix(m [][]float64) [][]float64 {
	if m == nil {
		return nil
	}
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

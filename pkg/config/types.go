package config

// Data related to the Optimizer
type OptimizerData struct {
	Spec OptimizerSpec `json:"spec" yaml:"spec"`
}

// Specifications for optimizer data
type OptimizerSpec struct {
	SafetyMarginPct       *float64         `json:"safetyMarginPct,omitempty" yaml:"safetyMarginPct,omitempty"`             // percent of free VRAM held back on every device
	RebalanceThresholdPct *float64         `json:"rebalanceThresholdPct,omitempty" yaml:"rebalanceThresholdPct,omitempty"` // budget change (percent) tolerated before a full rebalance
	ContextAlignment      *int             `json:"contextAlignment,omitempty" yaml:"contextAlignment,omitempty"`           // max context is rounded down to a multiple of this
	MaxRequestedContext   *int             `json:"maxRequestedContext,omitempty" yaml:"maxRequestedContext,omitempty"`     // upper bound of the context search (tokens)
	MinKVReserveTokens    *int             `json:"minKVReserveTokens,omitempty" yaml:"minKVReserveTokens,omitempty"`       // KV cache reserved per placed layer during balancing (tokens)
	ReserveBytes          *uint64          `json:"reserveBytes,omitempty" yaml:"reserveBytes,omitempty"`                   // fixed bytes held back per device (runtime, activations)
	RebalanceTimeout      *string          `json:"rebalanceTimeout,omitempty" yaml:"rebalanceTimeout,omitempty"`           // watchdog on a single rebalance (duration string)
	RebalanceInterval     *string          `json:"rebalanceInterval,omitempty" yaml:"rebalanceInterval,omitempty"`         // max age of a placement before a full rebalance; newer telemetry is refit (duration string)
	BucketPolicy          BucketPolicySpec `json:"bucketPolicy" yaml:"bucketPolicy"`                                       // request bucketing
	Batch                 BatchSpec        `json:"batch" yaml:"batch"`                                                     // batch formation
}

// Specifications of a bucket policy
type BucketPolicySpec struct {
	Name  string   `json:"name" yaml:"name"`                       // pow2 | token_ratio
	Step  *int     `json:"step,omitempty" yaml:"step,omitempty"`   // smallest bucket of pow2
	Ratio *float64 `json:"ratio,omitempty" yaml:"ratio,omitempty"` // max factor between consecutive token_ratio buckets
	Base  *int     `json:"base,omitempty" yaml:"base,omitempty"`   // smallest bucket of token_ratio
}

// Specifications of batch formation
type BatchSpec struct {
	MaxBatchSize   *int    `json:"maxBatchSize,omitempty" yaml:"maxBatchSize,omitempty"`     // max requests per batch
	MaxBatchTokens *int    `json:"maxBatchTokens,omitempty" yaml:"maxBatchTokens,omitempty"` // optional padded-token cap below max context (0 = none)
	MaxQueue       *int    `json:"maxQueue,omitempty" yaml:"maxQueue,omitempty"`             // max pending requests
	FlushInterval  *string `json:"flushInterval,omitempty" yaml:"flushInterval,omitempty"`   // assembler flush cadence (duration string)
}

// Data related to a Model
type ModelData struct {
	Spec ModelProfileSpec `json:"spec" yaml:"spec"`
}

// Specifications of a model profile
type ModelProfileSpec struct {
	Name                         string  `json:"name" yaml:"name"`                                                 // model name
	Preset                       string  `json:"preset,omitempty" yaml:"preset,omitempty"`                         // optional built-in architecture (e.g. llama-2-7b)
	Quantization                 string  `json:"quantization,omitempty" yaml:"quantization,omitempty"`             // quantization of a preset (e.g. Q4_K_M)
	NumLayers                    int     `json:"numLayers" yaml:"numLayers"`                                       // number of transformer layers
	HiddenSize                   int     `json:"hiddenSize" yaml:"hiddenSize"`                                     // model dimension
	NumAttentionHeads            int     `json:"numAttentionHeads" yaml:"numAttentionHeads"`                       // attention heads
	BytesPerParam                float64 `json:"bytesPerParam" yaml:"bytesPerParam"`                               // bytes per weight
	BaseWeightBytesPerLayer      uint64  `json:"baseWeightBytesPerLayer" yaml:"baseWeightBytesPerLayer"`           // weight bytes of one layer (0 = derive)
	KVCacheBytesPerTokenPerLayer uint64  `json:"kvCacheBytesPerTokenPerLayer" yaml:"kvCacheBytesPerTokenPerLayer"` // KV cache bytes of one token in one layer (0 = derive)
}

// Data related to GPU telemetry
type GPUData struct {
	Spec []GPUStateSpec `json:"spec" yaml:"spec"`
}

// Specifications of a GPU state snapshot
type GPUStateSpec struct {
	DeviceID       int     `json:"deviceId" yaml:"deviceId"`             // device index
	Name           string  `json:"name,omitempty" yaml:"name,omitempty"` // device name
	TotalVRAMBytes uint64  `json:"totalVramBytes" yaml:"totalVramBytes"` // total memory
	UsedVRAMBytes  uint64  `json:"usedVramBytes" yaml:"usedVramBytes"`   // used memory
	UtilizationPct float64 `json:"utilizationPct" yaml:"utilizationPct"` // 0-100
	TemperatureC   float64 `json:"temperatureC" yaml:"temperatureC"`     // degrees C
	PowerDrawW     float64 `json:"powerDrawW" yaml:"powerDrawW"`         // W
	PowerLimitW    float64 `json:"powerLimitW" yaml:"powerLimitW"`       // W
}

// Placement of layers on devices
type PlacementData struct {
	Layers       map[int]int    `json:"layers"`       // device -> layer count
	BudgetBytes  map[int]uint64 `json:"budgetBytes"`  // device -> usable budget when computed
	SlackBytes   map[int]uint64 `json:"slackBytes"`   // device -> budget minus assigned bytes
	LayerCost    uint64         `json:"layerCost"`    // bytes charged per layer
	NumLayers    int            `json:"numLayers"`    // total layers placed
	SolutionMsec int64          `json:"solutionMsec"` // time to compute (msec)
	Generation   uint64         `json:"generation"`   // telemetry generation used
}

// Context budget
type ContextBudgetData struct {
	MaxContextTokens        int            `json:"maxContextTokens"`        // max context length
	RecommendedContext      int            `json:"recommendedContext"`      // max context rounded to a coarse step
	PerDeviceKVReserveBytes map[int]uint64 `json:"perDeviceKvReserveBytes"` // device -> KV bytes at max context
}

// Placement decision with its context budget
type DecisionData struct {
	Placement PlacementData     `json:"placement"`
	Context   ContextBudgetData `json:"context"`
	Reused    bool              `json:"reused"` // placement kept from the previous decision
}

// Request submitted for batching
type RequestSpec struct {
	SequenceLength int `json:"sequenceLength"` // tokens
}

// Assembled batch
type BatchData struct {
	Bucket            int   `json:"bucket"`            // canonical length
	ArrivalOrders     []int `json:"arrivalOrders"`     // FIFO order of requests
	SequenceLengths   []int `json:"sequenceLengths"`   // lengths of requests
	TotalPaddedTokens int   `json:"totalPaddedTokens"` // bucket * len
}

// Rejected request
type RejectionData struct {
	ArrivalOrder   int    `json:"arrivalOrder"`   // order of rejected request
	SequenceLength int    `json:"sequenceLength"` // tokens
	Reason         string `json:"reason"`         // error text
}

// Result of a flush
type FlushData struct {
	Batches    []BatchData     `json:"batches"`
	Rejections []RejectionData `json:"rejections"`
}

// Outcome of a dispatched batch, reported back for backpressure
type BatchStatsSpec struct {
	BatchSize      int   `json:"batchSize"`      // requests in the batch
	TokensIn       int   `json:"tokensIn"`       // prompt tokens
	TokensOut      int   `json:"tokensOut"`      // generated tokens
	ProcessingMsec int64 `json:"processingMsec"` // wall time (msec)
	OOMEvents      int   `json:"oomEvents"`      // out-of-memory events seen
}

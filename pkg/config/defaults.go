package config

import "time"

/**
 * Parameters
 */

// percent of free VRAM held back on every device
var DefaultSafetyMarginPct = 10.0

// budget change tolerated before the balancer runs a full search
var DefaultRebalanceThresholdPct = 5.0

// max context is a multiple of this
var DefaultContextAlignment = 16

// coarser step used when recommending a context length
var RecommendedContextStep = 128

// upper bound of the context search
var DefaultMaxRequestedContext = 32768

// largest accepted maxRequestedContext
const MaxRequestedContextLimit = 1 << 24

// KV cache tokens reserved per layer while placing layers
var DefaultMinKVReserveTokens = 128

// watchdog on a single rebalance
var DefaultRebalanceTimeout = 2 * time.Second

// placements younger than this are only refit on new telemetry
var DefaultRebalanceInterval = 30 * time.Second

// bucket policies
const (
	BucketPolicyPow2       = "pow2"
	BucketPolicyTokenRatio = "token_ratio"
)

var DefaultBucketPolicy = BucketPolicyPow2
var DefaultBucketStep = 32
var DefaultBucketRatio = 1.5
var DefaultBucketBase = 32

// batch formation
var DefaultMaxBatchSize = 32
var DefaultMaxQueue = 10000
var DefaultFlushInterval = 5 * time.Millisecond

// number of attempts of a rebalance superseded by fresher telemetry
const MaxRebalanceAttempts = 3

// REST server env names
const RestHostEnvName = "GPUSPLIT_HOST"
const RestPortEnvName = "GPUSPLIT_PORT"

// REST server defaults
const DefaultRestHost = "localhost"
const DefaultRestPort = "8080"

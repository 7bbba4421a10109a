package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/batch"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/manager"
)

// Handlers for REST API calls

func (server *BaseServer) getPlacement(c *gin.Context) {
	d := server.manager.Decision()
	if d == nil {
		c.IndentedJSON(http.StatusNotFound, gin.H{"message": manager.ErrNoDecision.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, d.PlacementData())
}

func (server *BaseServer) getContext(c *gin.Context) {
	d := server.manager.Decision()
	if d == nil {
		c.IndentedJSON(http.StatusNotFound, gin.H{"message": manager.ErrNoDecision.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, d.BudgetData())
}

func (server *BaseServer) optimize(c *gin.Context) {
	d, err := server.manager.Rebalance(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, config.DecisionData{
		Placement: d.PlacementData(),
		Context:   d.BudgetData(),
		Reused:    d.Reused,
	})
}

func (server *BaseServer) getGPUs(c *gin.Context) {
	snapshots := server.manager.Store().Snapshots()
	gpus := config.GPUData{Spec: make([]config.GPUStateSpec, len(snapshots))}
	for i, g := range snapshots {
		gpus.Spec[i] = g.Spec()
	}
	c.IndentedJSON(http.StatusOK, gpus)
}

func (server *BaseServer) getGPU(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": "invalid device id " + c.Param("id")})
		return
	}
	g, ok := server.manager.Store().Device(id)
	if !ok {
		c.IndentedJSON(http.StatusNotFound, gin.H{"message": fmt.Sprintf("device %d not found", id)})
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{
		"gpu":   g.Spec(),
		"alert": g.Alert().String(),
	})
}

func (server *BaseServer) setGPUs(c *gin.Context) {
	var gpus config.GPUData
	if err := c.BindJSON(&gpus); err != nil {
		return
	}
	gen, err := server.manager.PublishSnapshots(gpus.Spec)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"generation": gen})
}

func (server *BaseServer) addRequest(c *gin.Context) {
	var req config.RequestSpec
	if err := c.BindJSON(&req); err != nil {
		return
	}
	r, err := server.manager.Enqueue(req.SequenceLength)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{
		"arrivalOrder":   r.ArrivalOrder,
		"sequenceLength": r.SequenceLength,
		"bucket":         server.manager.Bucket(r.SequenceLength),
	})
}

func (server *BaseServer) flushBatches(c *gin.Context) {
	batches, rejections, err := server.manager.Flush()
	if err != nil {
		abortWithError(c, err)
		return
	}
	data := config.FlushData{
		Batches:    make([]config.BatchData, len(batches)),
		Rejections: make([]config.RejectionData, len(rejections)),
	}
	for i := range batches {
		data.Batches[i] = batches[i].Data()
	}
	for i := range rejections {
		data.Rejections[i] = rejections[i].Data()
	}
	c.IndentedJSON(http.StatusOK, data)
}

func (server *BaseServer) addBatchStats(c *gin.Context) {
	var stats config.BatchStatsSpec
	if err := c.BindJSON(&stats); err != nil {
		return
	}
	server.manager.RecordBatchStats(batch.BatchStats{
		BatchSize:      stats.BatchSize,
		TokensIn:       stats.TokensIn,
		TokensOut:      stats.TokensOut,
		ProcessingTime: time.Duration(stats.ProcessingMsec) * time.Millisecond,
		OOMEvents:      stats.OOMEvents,
	})
	c.IndentedJSON(http.StatusOK, stats)
}

func (server *BaseServer) getPending(c *gin.Context) {
	pending := server.manager.Pending()
	buckets := make(map[string]int, len(pending))
	for bucket, n := range pending {
		buckets[strconv.Itoa(bucket)] = n
	}
	c.IndentedJSON(http.StatusOK, buckets)
}

func (server *BaseServer) getBucket(c *gin.Context) {
	length, err := strconv.Atoi(c.Param("length"))
	if err != nil || length <= 0 {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": "invalid sequence length " + c.Param("length")})
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{
		"length": length,
		"bucket": server.manager.Bucket(length),
	})
}

func abortWithError(c *gin.Context, err error) {
	c.IndentedJSON(statusFor(err), gin.H{"message": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrNoDecision):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, manager.ErrSuperseded), errors.Is(err, manager.ErrRebalanceTimeout):
		return http.StatusServiceUnavailable
	}
	switch core.KindOf(err) {
	case core.InsufficientAggregateVRAM, core.PlacementExceedsMemory:
		return http.StatusConflict
	case core.InvalidSnapshot, core.InvalidConfig, core.InvalidModelProfile, core.RequestExceedsContext:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

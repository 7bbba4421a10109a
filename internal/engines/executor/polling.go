/*
Copyright 2025 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package executor

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/llm-d-incubation/gpu-split-optimizer/internal/logger"
)

const defaultMaxBackoff = 4 * time.Second

// PollingExecutor runs its task at fixed intervals.
type PollingExecutor struct {
	config       Config
	interval     time.Duration
	retryBackoff time.Duration // first delay after a failure; zero disables retries
	maxBackoff   time.Duration
}

// PollingConfig holds polling-specific configuration.
type PollingConfig struct {
	Config
	Interval     time.Duration
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

func NewPollingExecutor(config PollingConfig) *PollingExecutor {
	maxBackoff := config.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &PollingExecutor{
		config:       config.Config,
		interval:     config.Interval,
		retryBackoff: config.RetryBackoff,
		maxBackoff:   maxBackoff,
	}
}

func (e *PollingExecutor) Start(ctx context.Context) {
	logger.Log.Infow("Starting executor", "task", e.config.Name, "interval", e.interval.String())
	wait.UntilWithContext(ctx, e.runOnce, e.interval)
	logger.Log.Infow("Executor stopped", "task", e.config.Name)
}

// runOnce calls the task, retrying with doubling delays while it fails. A retry
// never outlives the current interval.
func (e *PollingExecutor) runOnce(ctx context.Context) {
	deadline := time.Now().Add(e.interval)
	backoff := e.retryBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := e.config.Task(ctx)
		if err == nil {
			return
		}
		logger.Log.Errorw("Task failed", "task", e.config.Name, "error", err)
		if backoff <= 0 || time.Now().Add(backoff).After(deadline) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = min(2*backoff, e.maxBackoff)
		}
	}
}

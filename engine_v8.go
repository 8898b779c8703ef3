//go:build v8

package coldstart

import (
	"github.com/cryguy/coldstart/internal/core"
	"github.com/cryguy/coldstart/internal/jsengine/v8engine"
)

func newEngine(memoryLimitMB int) (core.JSRuntime, error) {
	return v8engine.New(memoryLimitMB)
}

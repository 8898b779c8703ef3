//go:build !v8

package coldstart

import (
	"github.com/cryguy/coldstart/internal/core"
	"github.com/cryguy/coldstart/internal/jsengine/quickjs"
)

func newEngine(memoryLimitMB int) (core.JSRuntime, error) {
	return quickjs.New(memoryLimitMB)
}

// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFacadeLoggersChainDirectly(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "test"})

	// every accessor must support chaining level methods on its return
	// value without an intermediate variable
	Base().Debug().Msg("base")
	WithComponent("unit").Warn().Str("event", "unit.check").Msg("component")

	ctx := ContextWithRequestID(context.Background(), "rid-1")
	FromContext(ctx).Info().Msg("from context")
	WithComponentFromContext(ctx, "unit").Error().Msg("component from context")

	out := buf.String()
	assert.Contains(t, out, `"component":"unit"`)
	assert.Contains(t, out, `"request_id":"rid-1"`)
	assert.Contains(t, out, `"service":"test"`)
}

func TestFromContextWithoutCorrelationFields(t *testing.T) {
	l := FromContext(context.Background())
	assert.NotNil(t, l)
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
}

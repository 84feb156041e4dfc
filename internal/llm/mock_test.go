package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockModuleJSONShape(t *testing.T) {
	m := NewMock()
	prompt := `Implement the C module.
Module definition:
{"id":"uart0","name":"UART","type":"uart"}
Return the result as JSON with exactly two string fields:
{"header": "...", "source": "..."}`

	out, err := m.Complete(context.Background(), prompt)
	require.NoError(t, err)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Contains(t, parsed["header"], "#ifndef UART0_H")
	assert.Contains(t, parsed["header"], "uart0_init(void)")
	assert.Contains(t, parsed["source"], `#include "uart0.h"`)
	assert.Contains(t, parsed["source"], "UART0_ERR_STATE")
}

func TestMockDeterministic(t *testing.T) {
	prompt := `Design the firmware architecture for the project below.
Target MCU: ESP32`

	first, err := NewMock().Complete(context.Background(), prompt)
	require.NoError(t, err)
	second, err := NewMock().Complete(context.Background(), prompt)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Contains(t, first, "# Firmware Architecture")
	assert.Contains(t, first, "ESP32")
}

func TestMockShapesByPromptKind(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	tests, err := m.Complete(ctx, `Write unit tests for the firmware module below.
Module definition:
{"id":"spi1","type":"spi"}`)
	require.NoError(t, err)
	assert.Contains(t, tests, "run_all_tests")
	assert.Contains(t, tests, `#include "spi1.h"`)

	analysis, err := m.Complete(ctx, "Review the generated firmware below and write a qualitative assessment.")
	require.NoError(t, err)
	assert.NotContains(t, analysis, "{")
	assert.Contains(t, analysis, "static-allocation")

	fallback, err := m.Complete(ctx, "unrecognized prompt kind")
	require.NoError(t, err)
	assert.Equal(t, "GENERATED (mock): unrecognized prompt kind", fallback)

	assert.Len(t, m.Calls(), 3)
}

func TestMockFailWhenHook(t *testing.T) {
	m := NewMock()
	m.FailWhen(func(prompt string) error {
		if len(prompt) > 0 && prompt[0] == 'X' {
			return fmt.Errorf("injected failure")
		}
		return nil
	})

	_, err := m.Complete(context.Background(), "X trigger")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "injected failure")

	out, err := m.Complete(context.Background(), "fine")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestMockHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMock().Complete(ctx, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}

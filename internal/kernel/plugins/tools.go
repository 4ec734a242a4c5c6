package plugins

import (
	"context"
	"fmt"

	"github.com/brokerhq/chatkernel/internal/kernel"
	"github.com/brokerhq/chatkernel/internal/r2r"
)

// PingTool is grounded on plugin_library/tools/ping.py's Tools.ping: a
// trivial no-yield tool exercising the plain execute path.
type PingTool struct{}

func (PingTool) Name() string { return "ping" }

func (PingTool) Schema() kernel.ToolSchema {
	return kernel.ToolSchema{
		Name:        "ping",
		Description: "Returns a fixed phrase.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "A query, to which the phrase may respond."},
			},
			"required": []string{"query"},
		},
	}
}

func (PingTool) Execute(ctx context.Context, userID, threadID, turnCorrelationID string, args map[string]any) *kernel.ToolStream {
	return r2r.Done[string, any]("The quick brown wok jumped over the lazy frog", nil)
}

// PingYieldTool is grounded on ping.py's pingyield: it yields one progress
// update before resolving, exercising the R2R yield-then-return path every
// tool plugin may use.
type PingYieldTool struct{}

func (PingYieldTool) Name() string { return "pingyield" }

func (PingYieldTool) Schema() kernel.ToolSchema {
	return kernel.ToolSchema{
		Name:        "pingyield",
		Description: "Returns a phrase, but yields a progress update first.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "A query, to which the phrase may respond."},
			},
			"required": []string{"query"},
		},
	}
}

func (PingYieldTool) Execute(ctx context.Context, userID, threadID, turnCorrelationID string, args map[string]any) *kernel.ToolStream {
	return r2r.New[string, any](ctx, func(ctx context.Context, emit func(string)) (any, error) {
		emit("This is pingyield")
		return "The quick brown moat jumped over the lazy toad", nil
	})
}

// WeatherTool is grounded on archive/example_tool_plugin.py's
// WeatherToolPlugin: a mock implementation standing in for a real API call,
// exercising the argument-unmarshaling path a class-based tool needs.
type WeatherTool struct{}

func (WeatherTool) Name() string { return "get_weather" }

func (WeatherTool) Schema() kernel.ToolSchema {
	return kernel.ToolSchema{
		Name:        "get_weather",
		Description: "Get current weather information for a location.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{"type": "string", "description": "The city and state, e.g. San Francisco, CA"},
				"unit":     map[string]any{"type": "string", "enum": []string{"celsius", "fahrenheit"}},
			},
			"required": []string{"location"},
		},
	}
}

func (WeatherTool) Execute(ctx context.Context, userID, threadID, turnCorrelationID string, args map[string]any) *kernel.ToolStream {
	return r2r.New[string, any](ctx, func(ctx context.Context, emit func(string)) (any, error) {
		location, _ := args["location"].(string)
		unit, _ := args["unit"].(string)
		if unit == "" {
			unit = "fahrenheit"
		}
		emit(fmt.Sprintf("looking up weather for %s", location))
		temp := 72
		if unit == "celsius" {
			temp = 22
		}
		return map[string]any{
			"status": "success",
			"data": map[string]any{
				"location":    location,
				"temperature": temp,
				"unit":        unit,
				"condition":   "sunny",
			},
		}, nil
	})
}

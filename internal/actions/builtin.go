package actions

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rendis/hero/pkg/schema"
)

// ServerInfo feeds the status action.
type ServerInfo struct {
	ID        string
	Name      string
	Version   string
	StartedAt time.Time
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, info ServerInfo) error {
	all := make([]Action, 0, 8)

	all = append(all,
		statusAction(info),
		documentationAction(reg),
		randomNumberAction(),
		sleepTestAction(),
	)
	all = append(all, CryptoActions()...)

	return reg.RegisterAll(all...)
}

func statusAction(info ServerInfo) Action {
	return New("status", ActionSchema{
		Description: "I will return some basic information about the API",
	}, func(_ context.Context, conn *schema.Connection) error {
		conn.Response["id"] = info.ID
		conn.Response["name"] = info.Name
		conn.Response["version"] = info.Version
		conn.Response["uptime"] = time.Since(info.StartedAt).Milliseconds()
		conn.Response["nodeStatus"] = "Node Healthy"
		return nil
	})
}

func documentationAction(reg *Registry) Action {
	return New("showDocumentation", ActionSchema{
		Description: "return API documentation",
	}, func(_ context.Context, conn *schema.Connection) error {
		docs := make(map[string]map[int]any)
		for _, info := range reg.List() {
			byVersion, ok := docs[info.Name]
			if !ok {
				byVersion = make(map[int]any)
				docs[info.Name] = byVersion
			}
			inputs := make(map[string]any, len(info.Inputs))
			for _, in := range info.Inputs {
				entry := map[string]any{"required": in.Required}
				if in.Default != nil {
					entry["default"] = in.Default
				}
				inputs[in.Name] = entry
			}
			byVersion[info.Version] = map[string]any{
				"name":        info.Name,
				"version":     info.Version,
				"description": info.Description,
				"inputs":      inputs,
			}
		}
		conn.Response["documentation"] = docs
		return nil
	})
}

func randomNumberAction() Action {
	return New("randomNumber", ActionSchema{
		Description: "I am an API method which will generate a random number",
	}, func(_ context.Context, conn *schema.Connection) error {
		n := rand.Float64()
		conn.Response["randomNumber"] = n
		conn.Response["stringRandomNumber"] = "Your random number is " + formatFloat(n)
		return nil
	})
}

func sleepTestAction() Action {
	return New("sleepTest", ActionSchema{
		Description: "I will sleep and then return",
		Inputs: []Input{
			{Name: "sleepDuration", Default: 1000, Formatter: toInt},
		},
	}, func(ctx context.Context, conn *schema.Connection) error {
		ms, _ := conn.Params["sleepDuration"].(int)
		start := time.Now()
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		conn.Response["sleepStarted"] = start.UnixMilli()
		conn.Response["sleepEnded"] = time.Now().UnixMilli()
		conn.Response["sleepDelta"] = time.Since(start).Milliseconds()
		conn.Response["sleepDuration"] = ms
		return nil
	})
}

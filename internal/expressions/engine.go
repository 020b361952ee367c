// Package expressions compiles and caches the small expression languages used
// by declarative definitions: CEL input rules, Expr input formatters and jq
// action bodies.
package expressions

import (
	"context"
	"sync"

	"github.com/rendis/hero/pkg/schema"
)

// Engine evaluates an expression against a set of named variables.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programs caches compiled programs by source text. Compiled programs of all
// three languages are safe for concurrent use.
type programs[P any] struct {
	mu sync.RWMutex
	m  map[string]P
}

func newPrograms[P any]() *programs[P] {
	return &programs[P]{m: make(map[string]P)}
}

func (c *programs[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.m[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.m[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	c.m[expression] = p
	return p, nil
}

func (c *programs[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// failure wraps an engine error as EXPRESSION_ERROR. stage is "compile" or
// "evaluation".
func failure(lang, stage, expression string, err error) *schema.HeroError {
	return schema.NewErrorf(schema.ErrCodeExpression,
		"%s %s failed for %q: %s", lang, stage, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}

func emptyExpression(lang string) *schema.HeroError {
	return schema.NewErrorf(schema.ErrCodeExpression, "empty %s expression", lang)
}

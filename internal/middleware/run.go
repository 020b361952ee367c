package middleware

import (
	"context"

	"github.com/rendis/hero/pkg/schema"
)

// RunPre runs pre-processors in ascending order and stops at the first error.
func RunPre(ctx context.Context, chain []Descriptor, inv *Invocation) error {
	for _, d := range chain {
		if d.Pre == nil {
			continue
		}
		if err := d.Pre(ctx, inv); err != nil {
			return wrap(d.Name, err)
		}
	}
	return nil
}

// RunPost runs post-processors in reverse order and stops at the first error.
func RunPost(ctx context.Context, chain []Descriptor, inv *Invocation) error {
	for i := len(chain) - 1; i >= 0; i-- {
		d := chain[i]
		if d.Post == nil {
			continue
		}
		if err := d.Post(ctx, inv); err != nil {
			return wrap(d.Name, err)
		}
	}
	return nil
}

// RunPreEnqueue runs task pre-enqueue hooks in ascending order.
func RunPreEnqueue(ctx context.Context, chain []Descriptor, inv *Invocation) error {
	for _, d := range chain {
		if d.PreEnqueue == nil {
			continue
		}
		if err := d.PreEnqueue(ctx, inv); err != nil {
			return wrap(d.Name, err)
		}
	}
	return nil
}

// RunPostEnqueue runs task post-enqueue hooks in reverse order.
func RunPostEnqueue(ctx context.Context, chain []Descriptor, inv *Invocation) error {
	for i := len(chain) - 1; i >= 0; i-- {
		d := chain[i]
		if d.PostEnqueue == nil {
			continue
		}
		if err := d.PostEnqueue(ctx, inv); err != nil {
			return wrap(d.Name, err)
		}
	}
	return nil
}

// wrap tags err as a middleware failure. Errors that are already typed by the
// pipeline (a processor rejecting with ValidationError, say) pass through.
func wrap(name string, err error) error {
	if _, ok := schema.AsHeroError(err); ok {
		return err
	}
	return schema.MiddlewareError(name, err)
}

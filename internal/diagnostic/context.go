package diagnostic

import (
	"context"

	"github.com/logrusorgru/aurora"

	"github.com/sellesoft/lpp/internal/source"
)

type colorKey struct{}

// WithColor attaches a color handle to ctx for Pretty rendering.
func WithColor(ctx context.Context, color aurora.Aurora) context.Context {
	return context.WithValue(ctx, colorKey{}, color)
}

// Color returns the color handle attached to ctx, or a no-color default.
func Color(ctx context.Context) aurora.Aurora {
	color, ok := ctx.Value(colorKey{}).(aurora.Aurora)
	if !ok {
		return aurora.NewAurora(false)
	}
	return color
}

// Sources returns the Source pool attached to ctx. Diagnostic rendering
// uses it to quote the offending source line.
func Sources(ctx context.Context) *source.Pool {
	return source.PoolFrom(ctx)
}

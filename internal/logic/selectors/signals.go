package selectors

import (
	"context"

	"github.com/patrickwarner/adeligibility/internal/models"
)

// RequestSignals carries collaborators that describe the user of one request.
// Non-nil fields take precedence over the selector-wide ones.
type RequestSignals struct {
	BrowsingHistory models.BrowsingHistory
	Region          models.SubdivisionResolver
}

type signalsKey struct{}

// WithRequestSignals returns a context carrying sig for GetForUserModel.
func WithRequestSignals(ctx context.Context, sig RequestSignals) context.Context {
	return context.WithValue(ctx, signalsKey{}, sig)
}

func signalsFrom(ctx context.Context) RequestSignals {
	sig, _ := ctx.Value(signalsKey{}).(RequestSignals)
	return sig
}

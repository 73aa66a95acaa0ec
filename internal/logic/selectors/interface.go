package selectors

import (
	"context"

	logic "github.com/patrickwarner/adeligibility/internal/logic"
	"github.com/patrickwarner/adeligibility/internal/models"
)

// Selector decides which creative ads may be shown for a user model.
type Selector interface {
	// GetForUserModel returns whether any raw candidate existed and the
	// eligible ads in ranked order.
	GetForUserModel(ctx context.Context, user models.UserModel) (bool, []models.CreativeAd, error)
	// GetForUserModelWithTrace behaves like GetForUserModel and records each
	// stage on trace.
	GetForUserModelWithTrace(ctx context.Context, user models.UserModel, trace *logic.SelectionTrace) (bool, []models.CreativeAd, error)
}

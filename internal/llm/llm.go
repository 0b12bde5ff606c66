// Package llm defines the provider contract, the model registry with
// priority/weighted selection, and the bindings for the supported provider
// APIs. Model identifiers use the literal form <provider>:<model>.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// ErrNoModel is returned when selection finds no enabled model. The message
// is user-actionable because it surfaces directly in channel replies.
var ErrNoModel = errors.New("no enabled model available; enable a model via the dashboard or /api/models")

// Provider is one LLM API binding.
type Provider interface {
	// Name is the provider half of a <provider>:<model> identifier.
	Name() string

	// Chat issues one completion. The context carries cancellation; a
	// cancelled context aborts the in-flight request.
	Chat(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error)

	// Ping verifies the credentials and model reachability.
	Ping(ctx context.Context, model string) error
}

// SplitModelID separates <provider>:<model>.
func SplitModelID(id string) (provider, model string, err error) {
	idx := strings.Index(id, ":")
	if idx <= 0 || idx == len(id)-1 {
		return "", "", fmt.Errorf("model id %q must use the <provider>:<model> form", id)
	}
	return id[:idx], id[idx+1:], nil
}

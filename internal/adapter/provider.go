package adapter

import (
	"fmt"

	"github.com/spachava753/stepbench/internal/environment"
	"github.com/spachava753/stepbench/internal/environment/apple"
	"github.com/spachava753/stepbench/internal/environment/docker"
	"github.com/spachava753/stepbench/internal/environment/local"
	"github.com/spachava753/stepbench/internal/environment/modal"
	"github.com/spachava753/stepbench/internal/models"
)

// NewProvider returns the environment provider for a framework's
// [environment] table.
func NewProvider(fw models.FrameworkConfig) (environment.Provider, error) {
	switch fw.Env.Type {
	case "", "local":
		return local.NewProvider(), nil
	case "docker":
		return docker.NewProvider(), nil
	case "apple":
		return apple.NewProvider(apple.ParseProviderConfig(fw.Settings))
	case "modal":
		return modal.NewProvider(modal.ParseProviderConfig(fw.Settings))
	default:
		return nil, fmt.Errorf("unknown environment type %q", fw.Env.Type)
	}
}

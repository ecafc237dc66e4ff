package bootstrap

import (
	"github.com/kbukum/modelrun/config"
)

// Config is the constraint for application configuration types.
// Any struct embedding config.ServiceConfig satisfies it through promoted
// methods, provided it also defines ApplyDefaults and Validate.
type Config interface {
	GetServiceConfig() *config.ServiceConfig
	ApplyDefaults()
	Validate() error
}

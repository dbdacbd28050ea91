// Package application holds the shared context threaded through commands.
package application

import (
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/marcoeg/etrap/pkg/config"
)

// Etrap is the application context: logger, resolved configuration and the
// canonicalisation timezone.
type Etrap struct {
	Log      *zap.Logger
	Config   *config.Config
	Location *time.Location
	Viper    *viper.Viper
}

// New creates an empty application instance.
func New() *Etrap {
	return &Etrap{}
}

// Setup initialises the application with its dependencies.
func (e *Etrap) Setup(log *zap.Logger, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	e.Log = log
	e.Config = cfg
	e.Location = loc
	e.Viper = v
	return nil
}

package syncctl

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Options tunes a controller. Zero fields take defaults.
type Options struct {
	// PersistenceConcurrency caps concurrent loads from the store.
	// Default 10.
	PersistenceConcurrency int `yaml:"persistence_concurrency" json:"persistence_concurrency,omitempty"`
	// NetworkConcurrency caps concurrent fetches from the node. Default 20.
	NetworkConcurrency int `yaml:"network_concurrency" json:"network_concurrency,omitempty"`
	// BatchSize is how many remaining streams one persistence batch loads.
	// Default 10.
	BatchSize int `yaml:"batch_size" json:"batch_size,omitempty"`
	// LiteTick is how often the lite controller hydrates one more stream.
	// Default 250ms.
	LiteTick time.Duration `yaml:"lite_tick" json:"lite_tick,omitempty"`

	Log *logrus.Entry `yaml:"-" json:"-"`
}

const (
	DefaultPersistenceConcurrency = 10
	DefaultNetworkConcurrency     = 20
	DefaultBatchSize              = 10
	DefaultLiteTick               = 250 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.PersistenceConcurrency <= 0 {
		o.PersistenceConcurrency = DefaultPersistenceConcurrency
	}
	if o.NetworkConcurrency <= 0 {
		o.NetworkConcurrency = DefaultNetworkConcurrency
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.LiteTick <= 0 {
		o.LiteTick = DefaultLiteTick
	}
	return o
}

// Package bridges imports all built-in bridges for auto-registration.
// Import this package to have all bridges registered with the default
// registry.
package bridges

import (
	// Import all bridges for side-effect registration
	_ "github.com/batonmesh/baton/bridge/aws"
	_ "github.com/batonmesh/baton/bridge/channel"
	_ "github.com/batonmesh/baton/bridge/httpingest"
	_ "github.com/batonmesh/baton/bridge/jetstream"
	_ "github.com/batonmesh/baton/bridge/kafka"
	_ "github.com/batonmesh/baton/bridge/nats"
	_ "github.com/batonmesh/baton/bridge/rabbitmq"
)

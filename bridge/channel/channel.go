// Package channel provides an in-memory Go channel bridge for baton.
// This bridge is useful for testing and local development.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/batonmesh/baton/bridge"
)

// BridgeName is the name used to register this bridge.
const BridgeName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds this bridge to the default registry.
func Register() {
	bridge.RegisterWithCapabilities(BridgeName, Build, bridge.ChannelCapabilities)
}

// Build creates a new Go channel bridge.
func Build(ctx context.Context, cfg bridge.Config, logger watermill.LoggerAdapter) (bridge.Bridge, error) {
	pub, sub := Factory(gochannel.Config{}, logger)
	return bridge.Bridge{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this bridge.
func Capabilities() bridge.Capabilities {
	return bridge.ChannelCapabilities
}

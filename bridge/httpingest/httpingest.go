// Package httpingest provides an inbound-only HTTP bridge for baton.
//
// External services POST event envelopes to the configured listen address
// and the bridge feeds them into the bus. There is no publisher side; use a
// broker bridge when events must flow back out.
package httpingest

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/batonmesh/baton/bridge"
)

// BridgeName is the name used to register this bridge.
const BridgeName = "httpingest"

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register adds this bridge to the default registry.
func Register() {
	bridge.RegisterWithCapabilities(BridgeName, Build, bridge.HTTPIngestCapabilities)
}

// Build creates a new HTTP ingest bridge. The returned bridge has a nil
// Publisher.
func Build(ctx context.Context, cfg bridge.Config, logger watermill.LoggerAdapter) (bridge.Bridge, error) {
	addr := cfg.GetHTTPIngestAddress()

	subscriber, err := SubscriberFactory(
		addr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		return bridge.Bridge{}, err
	}

	// Start the listener in the background. Subscriptions made right after
	// Build register their routes before the listener accepts traffic.
	go func() {
		if s, ok := subscriber.(*http.Subscriber); ok {
			if err := s.StartHTTPServer(); err != nil {
				logger.Error("Failed to start HTTP ingest server", err, nil)
			}
		}
	}()

	return bridge.Bridge{
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this bridge.
func Capabilities() bridge.Capabilities {
	return bridge.HTTPIngestCapabilities
}

// Package aws provides an AWS SNS/SQS bridge for baton.
//
// Events are published to SNS topics and consumed through per-topic SQS
// queues. A custom endpoint (for example LocalStack) can be configured for
// local development.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/batonmesh/baton/bridge"
)

// BridgeName is the name used to register this bridge.
const BridgeName = "aws"

const (
	// LocalStack serves every queue under one well-known account id.
	localstackAccountID = "000000000000"
	accountIDLength     = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register adds this bridge to the default registry.
func Register() {
	bridge.RegisterWithCapabilities(BridgeName, Build, bridge.AWSCapabilities)
}

// Capabilities returns the capabilities of this bridge.
func Capabilities() bridge.Capabilities {
	return bridge.AWSCapabilities
}

// Build creates a new AWS SNS/SQS bridge. Publisher and subscriber share one
// resolved settings snapshot so they always agree on account, region, and
// endpoint.
func Build(ctx context.Context, cfg bridge.Config, logger watermill.LoggerAdapter) (bridge.Bridge, error) {
	set := resolveSettings(cfg, logger)

	awsCfg, err := set.load(ctx, logger)
	if err != nil {
		return bridge.Bridge{}, err
	}
	logger.Info("AWS bridge configured", watermill.LogFields{
		"region":     set.region,
		"account_id": set.accountID,
		"localstack": set.local(),
	})

	topicResolver, err := TopicResolverFactory(set.accountID, set.region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"account_id": set.accountID,
			"region":     set.region,
		})
		return bridge.Bridge{}, err
	}

	publisher, err := buildPublisher(set, awsCfg, topicResolver, logger)
	if err != nil {
		return bridge.Bridge{}, err
	}

	subscriber, err := buildSubscriber(set, awsCfg, topicResolver, logger)
	if err != nil {
		return bridge.Bridge{}, err
	}

	return bridge.Bridge{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// settings is the AWS slice of the bridge configuration, resolved once at
// Build time.
type settings struct {
	region    string
	accountID string
	accessKey string
	secretKey string
	endpoint  string
}

// resolveSettings normalises the raw config values. With a custom endpoint a
// missing or malformed account id falls back to the LocalStack default, since
// real account ids only matter against real AWS.
func resolveSettings(cfg bridge.Config, logger watermill.LoggerAdapter) settings {
	if cfg == nil {
		return settings{}
	}

	set := settings{
		region:    cfg.GetAWSRegion(),
		accountID: strings.Trim(cfg.GetAWSAccountID(), "\"' "),
		accessKey: cfg.GetAWSAccessKeyID(),
		secretKey: cfg.GetAWSSecretAccessKey(),
		endpoint:  cfg.GetAWSEndpoint(),
	}

	if set.local() && (set.accountID == "" || len(set.accountID) != accountIDLength) {
		logger.Info("Using the LocalStack account id", watermill.LogFields{
			"configured_account_id": set.accountID,
		})
		set.accountID = localstackAccountID
	}

	return set
}

// local reports whether the bridge targets a custom endpoint instead of real
// AWS.
func (s settings) local() bool {
	return s.endpoint != ""
}

func (s settings) staticCredentials() bool {
	return s.accessKey != "" && s.secretKey != ""
}

// endpointURL parses the custom endpoint, or returns nil when none is set.
func (s settings) endpointURL() (*url.URL, error) {
	if !s.local() {
		return nil, nil
	}
	parsed, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing AWS endpoint: %w", err)
	}
	return parsed, nil
}

// load builds the SDK config, applying the resolved settings over whatever
// the environment provides. The loader's region is adopted as the fallback
// when the bridge config leaves it empty.
func (s *settings) load(ctx context.Context, logger watermill.LoggerAdapter) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	if s.staticCredentials() {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     s.accessKey,
					SecretAccessKey: s.secretKey,
				}, nil
			})))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{
			"requested_region": s.region,
		})
		return nil, err
	}

	if s.region == "" {
		s.region = awsCfg.Region
	} else {
		// Some loaders ignore the region option.
		awsCfg.Region = s.region
	}

	// The configured endpoint wins over whatever the loader picked up from
	// the environment.
	if s.local() {
		awsCfg.BaseEndpoint = aws.String(s.endpoint)
	}

	return &awsCfg, nil
}

func buildPublisher(set settings, awsCfg *aws.Config, topicResolver sns.TopicResolver, logger watermill.LoggerAdapter) (message.Publisher, error) {
	endpoint, err := set.endpointURL()
	if err != nil {
		return nil, err
	}

	publisherConfig := sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     *awsCfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}
	if endpoint != nil {
		target := endpoint.String()
		publisherConfig.OptFns = []func(*amazonsns.Options){
			func(o *amazonsns.Options) {
				o.BaseEndpoint = aws.String(target)
			},
		}
	}

	return PublisherFactory(publisherConfig, logger)
}

func buildSubscriber(set settings, awsCfg *aws.Config, topicResolver sns.TopicResolver, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	snsOpts, sqsOpts, err := set.endpointOverrides()
	if err != nil {
		return nil, err
	}

	subscriberConfig := sns.SubscriberConfig{
		AWSConfig:            *awsCfg,
		OptFns:               snsOpts,
		TopicResolver:        topicResolver,
		GenerateSqsQueueName: queueNameFromTopic,
	}

	return SubscriberFactory(
		subscriberConfig,
		sqs.SubscriberConfig{
			AWSConfig: *awsCfg,
			OptFns:    sqsOpts,
		},
		logger,
	)
}

// endpointOverrides pins the SNS and SQS clients to the custom endpoint.
func (s settings) endpointOverrides() ([]func(*amazonsns.Options), []func(*amazonsqs.Options), error) {
	endpoint, err := s.endpointURL()
	if err != nil || endpoint == nil {
		return nil, nil, err
	}

	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
	}
	return snsOpts, sqsOpts, nil
}

// queueNameFromTopic names each SQS queue after its SNS topic.
func queueNameFromTopic(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
	topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
	if err != nil {
		return "", err
	}
	return string(topic), nil
}

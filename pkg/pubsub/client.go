// Package pubsub wraps the Cloud Pub/Sub v2 client for the two pipeline
// roles: the relay publishes, the streamer subscribes.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/commerce-pipeline/pkg/config"
	"github.com/angelmondragon/commerce-pipeline/pkg/logger"
)

// Role picks which resources NewClient verifies at startup.
type Role int

const (
	RolePublisher Role = iota
	RoleSubscriber
)

var errProjectIDRequired = errors.New("gcp project id is required")

type Client struct {
	client    *pubsub.Client
	projectID string
	role      Role
	cfg       config.PubSubConfig
	logg      *logger.Logger

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// NewClient connects and checks that every topic (publisher) or subscription
// (subscriber) the role needs exists. PUBSUB_EMULATOR_HOST is honoured by the
// underlying client.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, role Role, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(gcp.ProjectID) == "" {
		return nil, errProjectIDRequired
	}
	raw, err := pubsub.NewClient(ctx, gcp.ProjectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	c := &Client{
		client:     raw,
		projectID:  gcp.ProjectID,
		role:       role,
		cfg:        cfg,
		logg:       logg,
		publishers: map[string]*pubsub.Publisher{},
	}
	if err := c.Ping(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	logg.Info(logg.WithField(ctx, "project_id", gcp.ProjectID), "pubsub client initialized")
	return c, nil
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(gcp.ApplicationCredentials)}
	}
	return nil
}

// Ping re-checks the role's resources. It doubles as the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("pubsub client not initialized")
	}
	if c.role == RoleSubscriber {
		return c.checkSubscriptions(ctx)
	}
	return c.checkTopics(ctx)
}

func (c *Client) checkTopics(ctx context.Context) error {
	topics := c.cfg.Topics()
	if len(topics) == 0 {
		return errors.New("no pubsub topics configured")
	}
	for _, name := range topics {
		_, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: c.topicResourceName(name)})
		if err != nil {
			return notFoundOr(err, "topic", name)
		}
	}
	return nil
}

// checkSubscriptions also warns when a subscription was created without
// message ordering, since per-aggregate order then only holds per publish.
func (c *Client) checkSubscriptions(ctx context.Context) error {
	subs := c.cfg.Subscriptions()
	if len(subs) == 0 {
		return errors.New("no pubsub subscriptions configured")
	}
	for _, name := range subs {
		sub, err := c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: c.subscriptionResourceName(name)})
		if err != nil {
			return notFoundOr(err, "subscription", name)
		}
		if !sub.GetEnableMessageOrdering() {
			c.logg.Warn(c.logg.WithField(ctx, "subscription", name), "subscription has message ordering disabled")
		}
	}
	return nil
}

func notFoundOr(err error, kind, name string) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s %q does not exist", kind, name)
	}
	return fmt.Errorf("check %s %q: %w", kind, name, err)
}

// Subscriptions returns a receiver per configured subscription.
func (c *Client) Subscriptions() []*pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	names := c.cfg.Subscriptions()
	out := make([]*pubsub.Subscriber, 0, len(names))
	for _, name := range names {
		out = append(out, c.client.Subscriber(c.subscriptionResourceName(name)))
	}
	return out
}

// Publisher returns the cached publisher for a topic. Ordering is on so the
// aggregate id ordering key is honoured.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil || strings.TrimSpace(name) == "" {
		return nil
	}
	full := c.topicResourceName(name)

	c.mu.Lock()
	defer c.mu.Unlock()
	pub, ok := c.publishers[full]
	if !ok {
		pub = c.client.Publisher(full)
		pub.EnableMessageOrdering = true
		c.publishers[full] = pub
	}
	return pub
}

// Close flushes pending publishes before releasing the connection.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.mu.Lock()
	for name, pub := range c.publishers {
		pub.Stop()
		delete(c.publishers, name)
	}
	c.mu.Unlock()
	return c.client.Close()
}

func (c *Client) topicResourceName(name string) string {
	return resourceName(c.projectID, "topics", name)
}

func (c *Client) subscriptionResourceName(name string) string {
	return resourceName(c.projectID, "subscriptions", name)
}

// resourceName expands a short id into projects/<p>/<kind>/<id>. Full names
// pass through so cross-project topics can be configured.
func resourceName(project, kind, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if strings.HasPrefix(name, "projects/") && strings.Contains(name, "/"+kind+"/") {
		return name
	}
	return fmt.Sprintf("projects/%s/%s/%s", strings.TrimSpace(project), kind, name)
}

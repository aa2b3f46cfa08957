package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/api/feed"
	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
)

// Handler 收到读数时调用
type Handler func(ctx context.Context, r *models.TelemetryReading) error

// Client MQTT 遥测订阅客户端
type Client struct {
	client paho.Client
	logger *zap.Logger
}

// BrokerURL 将 mqtt/mqtts 地址转换为 paho 使用的 tcp/ssl 地址
func BrokerURL(mqttURL string) (broker string, secure bool, err error) {
	parsed, err := url.Parse(mqttURL)
	if err != nil {
		return "", false, fmt.Errorf("invalid MQTT URL: %w", err)
	}

	switch parsed.Scheme {
	case "ws", "tcp":
		return mqttURL, false, nil
	case "wss", "ssl":
		return mqttURL, true, nil
	case "mqtt":
		return strings.Replace(mqttURL, "mqtt://", "tcp://", 1), false, nil
	case "mqtts":
		return strings.Replace(mqttURL, "mqtts://", "ssl://", 1), true, nil
	default:
		return "", false, fmt.Errorf("unsupported protocol scheme: %s (supported: ws, wss, mqtt, mqtts, tcp, ssl)", parsed.Scheme)
	}
}

// NewClient 连接 MQTT broker
func NewClient(mqttURL string, logger *zap.Logger) (*Client, error) {
	broker, secure, err := BrokerURL(mqttURL)
	if err != nil {
		return nil, err
	}
	parsed, _ := url.Parse(mqttURL)

	hostname, _ := os.Hostname()
	clientID := fmt.Sprintf("fuel-server-%s-%d", hostname, os.Getpid())

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	if secure {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	// 消息按到达顺序串行回调，保持同一车辆读数的顺序
	opts.SetOrderMatters(true)

	if parsed.User != nil {
		username := parsed.User.Username()
		password, _ := parsed.User.Password()
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(client paho.Client, opts *paho.ClientOptions) {
		logger.Debug("MQTT reconnecting")
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect MQTT broker: %w", token.Error())
	}

	logger.Info("MQTT client connected",
		zap.String("broker", cleanURL(mqttURL)),
		zap.String("client_id", clientID))

	return &Client{client: client, logger: logger}, nil
}

// Subscribe 订阅遥测主题
// 主题中 '+' 位置的段作为缺省车辆标识
func (c *Client) Subscribe(ctx context.Context, topic string, handler Handler) error {
	callback := func(_ paho.Client, msg paho.Message) {
		vehicle := VehicleFromTopic(topic, msg.Topic())
		readings, err := feed.DecodeFor(msg.Payload(), vehicle)
		if err != nil {
			c.logger.Warn("Failed to parse MQTT telemetry",
				zap.String("topic", msg.Topic()),
				zap.Error(err))
			return
		}
		for _, r := range readings {
			if err := handler(ctx, r); err != nil {
				c.logger.Warn("Failed to submit reading",
					zap.String("vehicle", r.Vehicle),
					zap.Error(err))
			}
		}
	}

	token := c.client.Subscribe(topic, 1, callback)
	const subTimeout = 10 * time.Second
	if !token.WaitTimeout(subTimeout) {
		return fmt.Errorf("subscribe to topic %s timed out after %s", topic, subTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("subscribe to topic %s: %w", topic, token.Error())
	}

	c.logger.Info("Subscribed to MQTT topic", zap.String("topic", topic))
	return nil
}

// IsConnected 连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	c.logger.Debug("MQTT client disconnected")
}

// VehicleFromTopic 取出主题中第一个 '+' 通配符对应的段
func VehicleFromTopic(pattern, topic string) string {
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")
	for i, p := range patternParts {
		if p == "#" || i >= len(topicParts) {
			return ""
		}
		if p == "+" {
			return topicParts[i]
		}
	}
	return ""
}

// cleanURL 去掉地址中的凭据，用于日志
func cleanURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.User != nil {
		parsed.User = url.UserPassword("***", "***")
	}
	return parsed.String()
}

package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/TakundaMabukwa/fuel-server-sub000/internal/models"
)

// Callbacks 推送数据回调函数
type Callbacks struct {
	OnReading    func(ctx context.Context, r *models.TelemetryReading) error // 收到读数
	OnConnect    func()                                                  // 连接成功
	OnDisconnect func(err error)                                         // 断开连接
}

// Client 遥测推送 WebSocket 客户端
type Client struct {
	logger    *zap.Logger
	url       string
	token     string
	callbacks Callbacks

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	// 重连配置
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	currentDelay      time.Duration
	readTimeout       time.Duration
}

// NewClient 创建推送客户端
func NewClient(logger *zap.Logger, url, token string) *Client {
	return &Client{
		logger:            logger,
		url:               url,
		token:             token,
		reconnectDelay:    1 * time.Second,
		maxReconnectDelay: 30 * time.Second,
		currentDelay:      1 * time.Second,
		readTimeout:       90 * time.Second,
	}
}

// SetCallbacks 设置回调函数
func (c *Client) SetCallbacks(callbacks Callbacks) {
	c.callbacks = callbacks
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// connect 建立 WebSocket 连接
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.currentDelay = c.reconnectDelay // 重置重连延迟
	c.mu.Unlock()

	c.logger.Info("Telemetry feed connected", zap.String("url", c.url))
	if c.callbacks.OnConnect != nil {
		c.callbacks.OnConnect()
	}
	return conn, nil
}

// close 关闭当前连接
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Run 连接并读取推送，断开后按指数退避重连，ctx 结束时返回
func (c *Client) Run(ctx context.Context) error {
	// ctx 结束时关闭连接以打断阻塞的读取
	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("Telemetry feed connect failed, will retry",
				zap.Duration("delay", c.currentDelay),
				zap.Error(err))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.currentDelay):
			}

			// 指数退避
			c.currentDelay *= 2
			if c.currentDelay > c.maxReconnectDelay {
				c.currentDelay = c.maxReconnectDelay
			}
			continue
		}

		err = c.readLoop(ctx, conn)
		c.close()
		if c.callbacks.OnDisconnect != nil {
			c.callbacks.OnDisconnect(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("Reconnecting telemetry feed", zap.Error(err))
	}
}

// readLoop 消息读取循环，连接出错时返回
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		// 设置读取超时
		conn.SetReadDeadline(time.Now().Add(c.readTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Debug("Telemetry feed closed normally")
				return nil
			}
			if ctx.Err() == nil {
				c.logger.Warn("Telemetry feed read error", zap.Error(err))
			}
			return err
		}

		c.handleMessage(ctx, message)
	}
}

// handleMessage 解析并分发一条消息，解析失败只记录日志
func (c *Client) handleMessage(ctx context.Context, message []byte) {
	readings, err := Decode(message)
	if err != nil {
		c.logger.Warn("Failed to parse telemetry message",
			zap.String("message", string(message)),
			zap.Error(err))
		return
	}

	if c.callbacks.OnReading == nil {
		return
	}
	for _, r := range readings {
		if err := c.callbacks.OnReading(ctx, r); err != nil {
			c.logger.Warn("Failed to submit reading",
				zap.String("vehicle", r.Vehicle),
				zap.Error(err))
		}
	}
}

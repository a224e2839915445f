package messaging

import (
	"time"

	"github.com/meshrpc/meshrpc-go/errors"
)

// Reserved system message names. They are prefixed "$" and exempt from
// authorization.
const (
	SysRegister    = "$register"
	SysUnregister  = "$unregister"
	SysSubscribe   = "$subscribe"
	SysUnsubscribe = "$unsubscribe"
	SysPing        = "$ping"
	SysServerInfo  = "$serverInfo"
	SysLogin       = "$login"

	SysHeartbeat    = "$heartbeat"
	SysConnected    = "$connected"
	SysDisconnected = "$disconnected"
	SysBroadcast    = "$broadcast"
	SysError        = "$error"
)

// RegisterRequest is the $register handshake payload.
type RegisterRequest struct {
	ClientID     string                 `json:"clientId"`
	ClientType   string                 `json:"clientType"`
	Capabilities []string               `json:"capabilities,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// RegisterResponse is the $register result.
type RegisterResponse struct {
	Success      bool      `json:"success"`
	ConnectionID string    `json:"connectionId"`
	ServerID     string    `json:"serverId"`
	ServerTime   time.Time `json:"serverTime"`
	TTL          int64     `json:"ttl"`
}

// UnregisterRequest is the $unregister payload. ConnectionID must match the
// server-stored one; stale or duplicate unregisters are rejected.
type UnregisterRequest struct {
	ClientID     string `json:"clientId"`
	ConnectionID string `json:"connectionId"`
}

// UnregisterResponse is the $unregister result.
type UnregisterResponse struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// SubscribeRequest is the $subscribe payload.
type SubscribeRequest struct {
	ClientID string                 `json:"clientId"`
	Events   []string               `json:"events"`
	Filter   map[string]interface{} `json:"filter,omitempty"`
}

// SubscribeResponse is the $subscribe result.
type SubscribeResponse struct {
	Success        bool     `json:"success"`
	SubscriptionID string   `json:"subscriptionId"`
	Events         []string `json:"events"`
}

// UnsubscribeRequest is the $unsubscribe payload.
type UnsubscribeRequest struct {
	ClientID       string `json:"clientId"`
	SubscriptionID string `json:"subscriptionId"`
}

// UnsubscribeResponse is the $unsubscribe result.
type UnsubscribeResponse struct {
	Success bool `json:"success"`
}

// PingRequest is the $ping payload.
type PingRequest struct {
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// PingResponse is the $ping result.
type PingResponse struct {
	Timestamp  time.Time   `json:"timestamp"`
	ServerTime time.Time   `json:"serverTime"`
	Echo       interface{} `json:"echo,omitempty"`
}

// ServerInfoResponse is the $serverInfo result.
type ServerInfoResponse struct {
	ServerID         string    `json:"serverId"`
	Version          string    `json:"version"`
	Uptime           int64     `json:"uptime"`
	ConnectedClients int       `json:"connectedClients"`
	Capabilities     []string  `json:"capabilities,omitempty"`
	ServerTime       time.Time `json:"serverTime"`
}

// HeartbeatEvent is the $heartbeat payload. Exactly one of ClientID or
// ServerID identifies the sender.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"clientId,omitempty"`
	ServerID  string    `json:"serverId,omitempty"`
}

// ConnectedEvent is the $connected payload.
type ConnectedEvent struct {
	ClientID     string                 `json:"clientId"`
	ConnectionID string                 `json:"connectionId"`
	Timestamp    time.Time              `json:"timestamp"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// DisconnectedEvent is the $disconnected payload.
type DisconnectedEvent struct {
	ClientID     string    `json:"clientId"`
	ConnectionID string    `json:"connectionId"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

// BroadcastEvent is the $broadcast payload.
type BroadcastEvent struct {
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorEvent is the $error payload.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the uniform request-response wrapper. A failed request always
// resolves with Success false and a sanitized error; handler failures never
// cross the transport as raw errors.
type Response struct {
	Success bool                  `json:"success"`
	Data    interface{}           `json:"data,omitempty"`
	Error   *errors.ResponseError `json:"error,omitempty"`
}

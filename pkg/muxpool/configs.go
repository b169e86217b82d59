package muxpool

// MultiplexingMode is the per-server multiplexing preference.
// The zero value behaves as MultiplexingInherit.
type MultiplexingMode string

const (
	// MultiplexingInherit defers to the pool-wide EnableMultiplexing toggle.
	MultiplexingInherit MultiplexingMode = "inherit"

	// MultiplexingOn shares one connection for this server regardless of the pool-wide toggle.
	MultiplexingOn MultiplexingMode = "on"

	// MultiplexingOff always gives this server private, unshared connections.
	MultiplexingOff MultiplexingMode = "off"
)

// ServerIdentity names a remote server for pooling purposes.
// Pooling equality is by ID only: the pool never inspects host/credential
// changes behind an ID - callers invalidate with Disconnect when those change.
type ServerIdentity struct {
	ID           string           `json:"ID" yaml:"ID"`
	Multiplexing MultiplexingMode `json:"Multiplexing,omitempty" yaml:"Multiplexing,omitempty"`
}

// PoolConfig represents settings for creating/configuring the connection pool.
type PoolConfig struct {
	ApplicationName         string `json:"ApplicationName" yaml:"ApplicationName"`
	EnableMultiplexing      bool   `json:"EnableMultiplexing" yaml:"EnableMultiplexing"`
	IdleTimeoutMilliseconds uint32 `json:"IdleTimeoutMilliseconds" yaml:"IdleTimeoutMilliseconds"` // 0 means idle entries are never auto-evicted
}

// TunnelConfig represents settings for a single local port forward.
type TunnelConfig struct {
	ServerID     string `json:"ServerID" yaml:"ServerID"`
	LocalAddress string `json:"LocalAddress" yaml:"LocalAddress"`
	RemoteHost   string `json:"RemoteHost" yaml:"RemoteHost"`
	RemotePort   int    `json:"RemotePort" yaml:"RemotePort"`
}

// PoolSeasoning represents the configuration values.
type PoolSeasoning struct {
	PoolConfig    *PoolConfig              `json:"PoolConfig" yaml:"PoolConfig"`
	Servers       []*ServerIdentity        `json:"Servers" yaml:"Servers"`
	TunnelConfigs map[string]*TunnelConfig `json:"TunnelConfigs" yaml:"TunnelConfigs"`
}

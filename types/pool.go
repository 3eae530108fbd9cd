package types

import (
	"fmt"
	"strings"
)

// SecureLevel selects the transport security of a pool connection.
type SecureLevel int

const (
	SecLevelNone SecureLevel = iota
	SecLevelTLS
	SecLevelTLS12
	SecLevelAllowSelfSigned
)

// Dialect identifies which flavour of the stratum wire protocol a pool speaks.
type Dialect int

const (
	DialectStratum Dialect = iota
	DialectEthProxy
	DialectEthereumStratum
)

func (d Dialect) String() string {
	switch d {
	case DialectEthProxy:
		return "ethproxy"
	case DialectEthereumStratum:
		return "ethereum-stratum"
	default:
		return "stratum"
	}
}

// Endpoint describes one configured pool.
type Endpoint struct {
	Host   string `json:"host" mapstructure:"host"`
	Port   int    `json:"port" mapstructure:"port"`
	User   string `json:"user" mapstructure:"user"`
	Pass   string `json:"pass" mapstructure:"pass"`
	Email  string `json:"email,omitempty" mapstructure:"email"`
	Secure string `json:"secure,omitempty" mapstructure:"secure"`
	Scheme string `json:"scheme,omitempty" mapstructure:"scheme"`
}

func (e *Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// SecLevel maps the configured "secure" string onto a SecureLevel.
func (e *Endpoint) SecLevel() SecureLevel {
	switch strings.ToLower(e.Secure) {
	case "tls":
		return SecLevelTLS
	case "tls12":
		return SecLevelTLS12
	case "tls-allow-selfsigned":
		return SecLevelAllowSelfSigned
	default:
		return SecLevelNone
	}
}

// Dialect maps the configured "scheme" string onto a Dialect.
func (e *Endpoint) Dialect() Dialect {
	switch strings.ToLower(e.Scheme) {
	case "ethproxy":
		return DialectEthProxy
	case "ethereum-stratum", "nicehash":
		return DialectEthereumStratum
	default:
		return DialectStratum
	}
}

type PoolConnectionStates int

const (
	NotReady PoolConnectionStates = iota + 1
	Alive
	Sick
	Dead
)

type PoolStates struct {
	Status       PoolConnectionStates `json:"status"`
	User         string               `json:"user"`
	PoolAddr     string               `json:"pooladdr"`
	Accept       int32                `json:"accept"`
	Reject       int32                `json:"reject"`
	Failed       int32                `json:"failed"`
	Stale        int32                `json:"stale"`
	Diff         float64              `json:"diff"`
	LastAccepted int64                `json:"lastaccepted"`
	Active       bool                 `json:"active"`
}

type FarmStates struct {
	HashRate      [3]float64  `json:"hashrate"`
	DeviceRates   []float64   `json:"devicerates"`
	Pool          *PoolStates `json:"pool"`
	MinerUp       bool        `json:"minerUp"`
	UptimeSeconds int64       `json:"uptime"`
}

// Package domain holds the closed, tagged structs shared across components,
// per spec.md §9 ("dynamic duck-typed records -> tagged structs"): Worker,
// MiningPool, WireGuardLease, SOCKS5Credential, ChallengeSolution,
// ValidatorDescriptor and RequestTicket, plus the small enums they carry.
package domain

import "time"

// WorkerStatus is the lifecycle status of a Worker record.
type WorkerStatus string

const (
	WorkerStatusTBD  WorkerStatus = "tbd"
	WorkerStatusUp   WorkerStatus = "up"
	WorkerStatusDown WorkerStatus = "down"
)

// ConnectionType classifies a worker's network egress.
type ConnectionType string

const (
	ConnectionTypeDatacenter  ConnectionType = "datacenter"
	ConnectionTypeResidential ConnectionType = "residential"
	ConnectionTypeUnknown     ConnectionType = "unknown"
)

// InternalMiningPoolUID marks workers owned directly by this node (used when
// this node runs in miner mode and scores its own workers).
const InternalMiningPoolUID = "internal"

// Worker is the natural-key (IP, MiningPoolUID) record described in
// spec.md §3.
type Worker struct {
	IP                     string         `db:"ip" json:"ip"`
	PublicPort             int            `db:"public_port" json:"public_port"`
	CountryCode            string         `db:"country_code" json:"country_code,omitempty"`
	ConnectionType         ConnectionType `db:"connection_type" json:"connection_type,omitempty"`
	MiningPoolURL          string         `db:"mining_pool_url" json:"mining_pool_url,omitempty"`
	MiningPoolUID          string         `db:"mining_pool_uid" json:"mining_pool_uid"`
	PaymentAddressEVM      string         `db:"payment_address_evm" json:"payment_address_evm,omitempty"`
	PaymentAddressBittensor string        `db:"payment_address_bittensor" json:"payment_address_bittensor,omitempty"`
	Status                 WorkerStatus   `db:"status" json:"status"`
	LastTestedAt           time.Time      `db:"last_tested_at" json:"last_tested_at,omitempty"`
	WireGuardConfig        string         `db:"wireguard_config" json:"wireguard_config,omitempty"`
	SOCKS5Config           string         `db:"socks5_config" json:"socks5_config,omitempty"`
	Datacenter             bool           `db:"datacenter" json:"datacenter,omitempty"`
	Version                string         `db:"version" json:"version,omitempty"`
}

// PoolScore is the composite scoring breakdown for a MiningPool.
type PoolScore struct {
	Stability float64 `db:"stability" json:"stability"`
	Size      float64 `db:"size" json:"size"`
	Performance float64 `db:"performance" json:"performance"`
	Geo       float64 `db:"geo" json:"geo"`
	Composite float64 `db:"composite" json:"composite"`
}

// MiningPool is the mining_pools record described in spec.md §3.
type MiningPool struct {
	MiningPoolUID       string    `db:"mining_pool_uid" json:"mining_pool_uid"`
	URL                 string    `db:"url" json:"url"`
	IP                  string    `db:"ip" json:"ip"`
	LastKnownWorkerPoolSize int   `db:"last_known_worker_pool_size" json:"last_known_worker_pool_size"`
	LastScoredAt        time.Time `db:"last_scored_at" json:"last_scored_at,omitempty"`
	Score               PoolScore `json:"score"`
}

// WireGuardLease is one row of worker_wireguard_configs (spec.md §3, §6).
type WireGuardLease struct {
	PeerID    int       `db:"id"`
	ExpiresAt time.Time `db:"expires_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SOCKS5Credential is one row of worker_socks5_configs (spec.md §3, §6).
type SOCKS5Credential struct {
	ID        int64     `db:"id"`
	IPAddress string    `db:"ip_address"`
	Port      int       `db:"port"`
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	Available bool      `db:"available"`
	ExpiresAt int64     `db:"expires_at"` // unix ms, 0 means "not leased"
	UpdatedAt time.Time `db:"updated_at"`
}

// ChallengeSolution anchors cross-node authenticity probes (spec.md §3,
// §10 supplemented feature).
type ChallengeSolution struct {
	Challenge string    `db:"challenge"`
	Solution  string    `db:"solution"`
	Tag       string    `db:"tag"`
	CreatedAt time.Time `db:"created_at"`
}

// ValidatorDescriptor is a known validator; Presence of UID marks a mainnet
// validator, a nil UID a testnet fallback entry (spec.md §3).
type ValidatorDescriptor struct {
	UID *string `json:"uid,omitempty"`
	IP  string  `json:"ip"`
}

// RequestTicketStatus is the lifecycle of an in-flight federation request.
type RequestTicketStatus string

const (
	RequestTicketPending  RequestTicketStatus = "pending"
	RequestTicketComplete RequestTicketStatus = "complete"
)

// NodeIdentity is the payload returned by GET / (spec.md §6).
type NodeIdentity struct {
	Branch                  string `json:"branch"`
	Version                 string `json:"version"`
	Hash                    string `json:"hash"`
	ServerPublicProtocol    string `json:"SERVER_PUBLIC_PROTOCOL"`
	ServerPublicHost        string `json:"SERVER_PUBLIC_HOST"`
	ServerPublicPort        int    `json:"SERVER_PUBLIC_PORT"`
	MiningPoolURL           string `json:"MINING_POOL_URL,omitempty"`
	MiningPoolRewards       string `json:"MINING_POOL_REWARDS,omitempty"`
	MiningPoolWebsiteURL    string `json:"MINING_POOL_WEBSITE_URL,omitempty"`
}

package config

// Config - корневая структура конфигурации координационной ноды
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger    LoggerConfig  `yaml:"logger" validate:"required"`
	Server    ServerConfig  `yaml:"http-server" validate:"required"`
	Node      NodeConfig    `yaml:"node" validate:"required"`
	Storage   StorageConfig `yaml:"storage" validate:"required"`
	Raft      RaftConfig    `yaml:"raft" validate:"required"`
	ZooKeeper ZKConfig      `yaml:"zookeeper"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"required,min=1,max=65535"`
}

// NodeConfig describes identity of the coordination node. ID must fit the
// node-id field of the packed identifier (10 bits).
type NodeConfig struct {
	ID   uint64 `yaml:"id" validate:"required,max=1023"`
	Addr string `yaml:"addr" validate:"required"`
}

// StorageConfig covers the sparse counter files.
type StorageConfig struct {
	Dir string `yaml:"dir" validate:"required"`
	// VirtualSizeBytes is the fixed virtual size of every counter file.
	// The file is sparse: only touched pages consume physical storage.
	VirtualSizeBytes int64 `yaml:"virtual_size" validate:"required,min=4096"`
	// FlushEveryIncrement trades latency for a zero crash-loss window.
	FlushEveryIncrement bool `yaml:"flush_every_increment"`
}

// RaftConfig tunes the ownership consensus group. Timers default aggressive
// relative to general-purpose raft: the replicated payload is tiny.
type RaftConfig struct {
	ID                        uint64           `yaml:"id" validate:"required"`
	Peers                     []RaftPeerConfig `yaml:"peers" validate:"required,min=1"`
	TickIntervalMs            int              `yaml:"tick_interval_ms" validate:"required,min=1"`
	ElectionTick              int              `yaml:"election_tick" validate:"required,min=2"`
	HeartbeatTick             int              `yaml:"heartbeat_tick" validate:"required,min=1"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id" validate:"required"`
	Address string `yaml:"address" validate:"required"`
}

type ZKConfig struct {
	Servers          []string `yaml:"servers"`
	Root             string   `yaml:"root"`
	SessionTimeoutMs int      `yaml:"session_timeout_ms"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Node: NodeConfig{
			ID:   1,
			Addr: "http://127.0.0.1:8080",
		},
		Storage: StorageConfig{
			Dir:                 "./data/counters",
			VirtualSizeBytes:    1 << 40, // 1 TiB virtual, sparse
			FlushEveryIncrement: false,
		},
		Raft: RaftConfig{
			ID: 1,
			Peers: []RaftPeerConfig{
				{ID: 1, Address: "http://127.0.0.1:8080"},
			},
			TickIntervalMs:            10,
			ElectionTick:              5,
			HeartbeatTick:             1,
			MaxSizePerMsg:             1024 * 1024,
			MaxCommittedSizePerReady:  4 * 1024 * 1024,
			MaxUncommittedEntriesSize: 8 * 1024 * 1024,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
		},
		ZooKeeper: ZKConfig{
			Root:             "/scarabd",
			SessionTimeoutMs: 5000,
		},
	}
}

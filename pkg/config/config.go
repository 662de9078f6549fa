package config

import "time"

// Config - корневая структура конфигурации реплики.

type Config struct {
	Logger     LoggerConfig     `yaml:"logger" validate:"required"`
	Replica    ReplicaConfig    `yaml:"replica" validate:"required"`
	Pipeline   PipelineConfig   `yaml:"pipeline" validate:"required"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" validate:"required"`
	Transfer   TransferConfig   `yaml:"state-transfer" validate:"required"`
	Journal    JournalConfig    `yaml:"journal" validate:"required"`
	Ordering   RaftConfig       `yaml:"ordering" validate:"required"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Server     ServerConfig     `yaml:"http-server" validate:"required"`
}

type ReplicaConfig struct {
	ID    uint64   `yaml:"id" validate:"required"`
	Peers []uint64 `yaml:"peers" validate:"required,min=1"`
	// DrainTimeout bounds one wait slice of a view-install drain.
	DrainTimeout time.Duration `yaml:"drain_timeout" validate:"required"`
}

type PipelineConfig struct {
	// MaxBufferedDecisions bounds the out-of-order buffer; saturation is
	// treated as a gap and hands off to state transfer.
	MaxBufferedDecisions int `yaml:"max_buffered_decisions" validate:"required,min=1"`
	ApplyChanBuffSize    int `yaml:"apply_chan_buff_size" validate:"required,min=1"`
	ReplyChanBuffSize    int `yaml:"reply_chan_buff_size" validate:"required,min=1"`
}

type CheckpointConfig struct {
	// Interval is the decision count between checkpoints.
	Interval       uint64 `yaml:"interval" validate:"required,min=1"`
	NotifyBuffSize int    `yaml:"notify_buff_size" validate:"required,min=1"`
}

type TransferConfig struct {
	// CertificationQuorum overrides the f+1 derived from the view when > 0.
	// Deployment policy, not structure.
	CertificationQuorum int           `yaml:"certification_quorum" validate:"min=0"`
	OfferTimeout        time.Duration `yaml:"offer_timeout" validate:"required"`
	RetryBackoff        time.Duration `yaml:"retry_backoff" validate:"required"`
	MaxRetries          int           `yaml:"max_retries" validate:"required,min=1"`
	InitialCandidates   int           `yaml:"initial_candidates" validate:"required,min=1"`
}

type JournalConfig struct {
	Dir string `yaml:"dir" validate:"required"`
}

type RaftConfig struct {
	ElectionTick              int              `yaml:"election_tick" validate:"required,min=2"`
	HeartbeatTick             int              `yaml:"heartbeat_tick" validate:"required,min=1"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs" validate:"required,min=1"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	Peers                     []RaftPeerConfig `yaml:"peers"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id" validate:"required"`
	Address string `yaml:"address" validate:"required"`
}

type ClusterConfig struct {
	// ZooKeeper ensemble; empty disables membership watching.
	Servers  []string `yaml:"servers"`
	RootPath string   `yaml:"root_path"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"required,min=1,max=65535"`
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
		Replica: ReplicaConfig{
			ID:           1,
			Peers:        []uint64{1, 2, 3, 4},
			DrainTimeout: 5 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxBufferedDecisions: 256,
			ApplyChanBuffSize:    64,
			ReplyChanBuffSize:    256,
		},
		Checkpoint: CheckpointConfig{
			Interval:       100,
			NotifyBuffSize: 8,
		},
		Transfer: TransferConfig{
			OfferTimeout:      3 * time.Second,
			RetryBackoff:      500 * time.Millisecond,
			MaxRetries:        5,
			InitialCandidates: 3,
		},
		Journal: JournalConfig{
			Dir: "./data",
		},
		Ordering: RaftConfig{
			ElectionTick:              10,
			HeartbeatTick:             2,
			MaxSizePerMsg:             1024 * 1024,
			MaxCommittedSizePerReady:  4 * 1024 * 1024,
			MaxUncommittedEntriesSize: 8 * 1024 * 1024,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
		},
		Cluster: ClusterConfig{
			RootPath: "/smrcore",
		},
		Server: ServerConfig{
			Port: 8080,
		},
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TuningProfile groups the cadence and sizing knobs of one deployment shape.
type TuningProfile struct {
	Name  string      `yaml:"name" json:"name"`
	Queue QueueTuning `yaml:"queue" json:"queue"`
	Sweep SweepTuning `yaml:"sweep" json:"sweep"`
	Poll  PollTuning  `yaml:"poll" json:"poll"`
	Chain ChainTuning `yaml:"chain" json:"chain"`
}

// QueueTuning sizes the event bus queues and worker pools.
type QueueTuning struct {
	Capacity        int           `yaml:"capacity" json:"capacity"`
	Workers         int           `yaml:"workers" json:"workers"`
	MailboxCapacity int           `yaml:"mailbox_capacity" json:"mailbox_capacity"`
	MailboxWorkers  int           `yaml:"mailbox_workers" json:"mailbox_workers"`
	ListenerBackoff time.Duration `yaml:"listener_backoff" json:"listener_backoff"`
}

// SweepTuning controls the stale event retry sweep.
type SweepTuning struct {
	Interval         time.Duration `yaml:"interval" json:"interval"`
	ShortAge         time.Duration `yaml:"short_age" json:"short_age"`
	LongAge          time.Duration `yaml:"long_age" json:"long_age"`
	BatchLimit       int           `yaml:"batch_limit" json:"batch_limit"`
	BatchesPerSecond float64       `yaml:"batches_per_second" json:"batches_per_second"`
}

// PollTuning controls the mailbox reaper.
type PollTuning struct {
	Interval     time.Duration `yaml:"interval" json:"interval"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	BatchSize    int           `yaml:"batch_size" json:"batch_size"`
}

// ChainTuning controls the confirmation poller.
type ChainTuning struct {
	Interval    time.Duration `yaml:"interval" json:"interval"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultTuning is the stock single-node shape.
func DefaultTuning() *TuningProfile {
	return &TuningProfile{
		Name: "default",
		Queue: QueueTuning{
			Capacity:        64,
			Workers:         2,
			MailboxCapacity: 256,
			MailboxWorkers:  8,
			ListenerBackoff: 3 * time.Second,
		},
		Sweep: SweepTuning{
			Interval:         30 * time.Second,
			ShortAge:         time.Minute,
			LongAge:          10 * time.Minute,
			BatchLimit:       100,
			BatchesPerSecond: 2,
		},
		Poll: PollTuning{
			Interval:     5 * time.Second,
			InitialDelay: time.Second,
			BatchSize:    50,
		},
		Chain: ChainTuning{
			Interval:    2 * time.Second,
			MaxAttempts: 30,
		},
	}
}

// LoadTuning loads profile_<name>.yaml from profilesDir and fills unset
// fields from the defaults. Environment overrides are applied last.
func LoadTuning(profilesDir, name string) (*TuningProfile, error) {
	p := DefaultTuning()
	if name != "" {
		path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", strings.ToLower(name)))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load profile %q: %w", name, err)
		}
		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("parse profile %q: %w", name, err)
		}
		if p.Name == "" {
			p.Name = name
		}
		p.fillDefaults()
	}
	p.applyEnv()
	return p, nil
}

// fillDefaults replaces zero values with the stock shape so partial profiles
// stay usable.
func (p *TuningProfile) fillDefaults() {
	d := DefaultTuning()
	if p.Queue.Capacity <= 0 {
		p.Queue.Capacity = d.Queue.Capacity
	}
	if p.Queue.Workers <= 0 {
		p.Queue.Workers = d.Queue.Workers
	}
	if p.Queue.MailboxCapacity <= 0 {
		p.Queue.MailboxCapacity = d.Queue.MailboxCapacity
	}
	if p.Queue.MailboxWorkers <= 0 {
		p.Queue.MailboxWorkers = d.Queue.MailboxWorkers
	}
	if p.Queue.ListenerBackoff <= 0 {
		p.Queue.ListenerBackoff = d.Queue.ListenerBackoff
	}
	if p.Sweep.Interval <= 0 {
		p.Sweep.Interval = d.Sweep.Interval
	}
	if p.Sweep.ShortAge <= 0 {
		p.Sweep.ShortAge = d.Sweep.ShortAge
	}
	if p.Sweep.LongAge <= 0 {
		p.Sweep.LongAge = d.Sweep.LongAge
	}
	if p.Sweep.BatchLimit <= 0 {
		p.Sweep.BatchLimit = d.Sweep.BatchLimit
	}
	if p.Sweep.BatchesPerSecond <= 0 {
		p.Sweep.BatchesPerSecond = d.Sweep.BatchesPerSecond
	}
	if p.Poll.Interval <= 0 {
		p.Poll.Interval = d.Poll.Interval
	}
	if p.Poll.InitialDelay <= 0 {
		p.Poll.InitialDelay = d.Poll.InitialDelay
	}
	if p.Poll.BatchSize <= 0 {
		p.Poll.BatchSize = d.Poll.BatchSize
	}
	if p.Chain.Interval <= 0 {
		p.Chain.Interval = d.Chain.Interval
	}
	if p.Chain.MaxAttempts <= 0 {
		p.Chain.MaxAttempts = d.Chain.MaxAttempts
	}
}

// applyEnv overrides individual knobs from the environment.
func (p *TuningProfile) applyEnv() {
	p.Queue.Workers = envInt("EVENT_WORKERS", p.Queue.Workers)
	p.Sweep.Interval = envDuration("SWEEP_INTERVAL", p.Sweep.Interval)
	p.Sweep.ShortAge = envDuration("SWEEP_SHORT_AGE", p.Sweep.ShortAge)
	p.Sweep.LongAge = envDuration("SWEEP_LONG_AGE", p.Sweep.LongAge)
	p.Poll.Interval = envDuration("MAILBOX_POLL_INTERVAL", p.Poll.Interval)
	p.Poll.BatchSize = envInt("MAILBOX_BATCH_SIZE", p.Poll.BatchSize)
}

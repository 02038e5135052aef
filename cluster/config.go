package cluster

import (
	"time"

	"google.golang.org/protobuf/types/known/durationpb"
)

// AdminConfig is the controller's admin configuration surface: the
// log-tail probe interval, the optional trim-check interval (nil disables
// trimming), and the trim threshold. It is a plain struct rather than a
// generated config-file schema; reconfiguration only ever updates the trim
// fields in place via (*ControllerState).Reconfigure.
type AdminConfig struct {
	LogTailUpdateInterval time.Duration
	LogTrimInterval       *time.Duration
	LogTrimThreshold      Lsn
}

// AdminConfigProto is the wire form of AdminConfig, exchanged when a node
// pushes a configuration update to peers. Durations are carried as the
// well-known durationpb.Duration rather than bare int64 nanos.
type AdminConfigProto struct {
	LogTailUpdateInterval *durationpb.Duration
	LogTrimInterval       *durationpb.Duration
	LogTrimThreshold      uint64
}

// ToProto renders this config's wire form.
func (c AdminConfig) ToProto() *AdminConfigProto {
	p := &AdminConfigProto{
		LogTailUpdateInterval: durationpb.New(c.LogTailUpdateInterval),
		LogTrimThreshold:      uint64(c.LogTrimThreshold),
	}
	if c.LogTrimInterval != nil {
		p.LogTrimInterval = durationpb.New(*c.LogTrimInterval)
	}
	return p
}

// AdminConfigFromProto reconstructs an AdminConfig from its wire form.
func AdminConfigFromProto(p *AdminConfigProto) AdminConfig {
	cfg := AdminConfig{
		LogTailUpdateInterval: p.LogTailUpdateInterval.AsDuration(),
		LogTrimThreshold:      Lsn(p.LogTrimThreshold),
	}
	if p.LogTrimInterval != nil {
		d := p.LogTrimInterval.AsDuration()
		cfg.LogTrimInterval = &d
	}
	return cfg
}

package monitor

import (
	"context"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"boardsync/pkg/types"
)

// processSampler reads CPU and memory for the serving process.
type processSampler struct {
	proc *process.Process
	log  zerolog.Logger
}

func newProcessSampler(log zerolog.Logger) *processSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn().Err(err).Msg("process sampling unavailable")
		return nil
	}
	return &processSampler{proc: proc, log: log}
}

func (p *processSampler) sample(ctx context.Context) (*types.ProcessStats, error) {
	// Percent with a zero interval compares against the previous call.
	cpu, err := p.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return nil, err
	}
	mem, err := p.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return &types.ProcessStats{
		CPUPercent: cpu,
		RSSBytes:   mem.RSS,
		RSS:        humanize.Bytes(mem.RSS),
		Goroutines: runtime.NumGoroutine(),
	}, nil
}

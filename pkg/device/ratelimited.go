package device

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited decorates a BlockDevice, throttling the total bytes/sec
// moved by ReadBlock and WriteBlock combined. Useful for a host that
// wants the flush schedulers to never saturate a shared disk.
type RateLimited struct {
	inner   BlockDevice
	limiter *rate.Limiter
}

// NewRateLimited wraps inner with a token-bucket limiter allowing
// bytesPerSec sustained throughput and burst burstBytes.
func NewRateLimited(inner BlockDevice, bytesPerSec float64, burstBytes int) *RateLimited {
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burstBytes),
	}
}

func (d *RateLimited) SectorBytes() int  { return d.inner.SectorBytes() }
func (d *RateLimited) SectorBPB() uint32 { return d.inner.SectorBPB() }

func (d *RateLimited) ReadBlock(ctx context.Context, sectorID uint32, buf []byte) error {
	if err := d.limiter.WaitN(ctx, len(buf)); err != nil {
		return err
	}
	return d.inner.ReadBlock(ctx, sectorID, buf)
}

func (d *RateLimited) WriteBlock(ctx context.Context, sectorID uint32, buf []byte) error {
	if err := d.limiter.WaitN(ctx, len(buf)); err != nil {
		return err
	}
	return d.inner.WriteBlock(ctx, sectorID, buf)
}

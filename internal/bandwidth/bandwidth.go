// Package bandwidth caps aggregate transfer throughput. One Limiter is
// shared by every download and upload in the process, so the configured
// rate bounds the total rather than each transfer.
package bandwidth

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

// burstMultiplier sizes the token bucket relative to the per-second rate.
// A 2x burst lets short pauses be spent on the next read without lowering
// sustained throughput below the limit.
const burstMultiplier = 2

// Limiter is a shared token bucket. A nil *Limiter means unlimited; all
// methods are nil-safe.
type Limiter struct {
	limiter *rate.Limiter
	rate    int64
}

// ParseRate parses "5MB/s", "100KiB/s" or "0" into bytes per second. The
// "/s" suffix is optional. Empty and "0" mean unlimited.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("invalid bandwidth rate %q: must be non-negative", s)
	}

	size := s
	if strings.HasSuffix(strings.ToLower(size), "/s") {
		size = size[:len(size)-len("/s")]
	}

	n, err := humanize.ParseBytes(size)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth rate %q: %w", s, err)
	}

	return int64(n), nil
}

// New returns a Limiter for bytesPerSec, or nil when it is zero or negative.
func New(bytesPerSec int64) *Limiter {
	if bytesPerSec <= 0 {
		return nil
	}

	burst := int(bytesPerSec) * burstMultiplier

	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		rate:    bytesPerSec,
	}
}

// Rate returns the configured bytes per second, 0 when unlimited.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}

	return l.rate
}

// WrapReader returns r throttled by the shared limiter.
func (l *Limiter) WrapReader(ctx context.Context, r io.Reader) io.Reader {
	if l == nil {
		return r
	}

	return &limitedReader{r: r, limiter: l.limiter, ctx: ctx}
}

// WrapReadCloser is WrapReader for response bodies; Close reaches rc.
func (l *Limiter) WrapReadCloser(ctx context.Context, rc io.ReadCloser) io.ReadCloser {
	if l == nil {
		return rc
	}

	return struct {
		io.Reader
		io.Closer
	}{l.WrapReader(ctx, rc), rc}
}

// limitedReader blocks after each read until the limiter admits the bytes
// just consumed.
type limitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *limitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if waitErr := waitN(r.ctx, r.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN splits a request larger than the burst, which rate.Limiter.WaitN
// would reject outright.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		take := min(n, burst)

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}

package transport

import (
	"math/rand"
	"time"
)

// Backoff 指数退避参数
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // 0~1，按比例随机缩短
}

// DefaultBackoff 默认退避：200ms 起，最长 10s
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    200 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay 第 attempt 次失败后的等待时间（attempt 从 1 开始）
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= b.Multiplier
		if b.Max > 0 && d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if b.Jitter > 0 {
		d -= d * b.Jitter * rand.Float64()
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

package presence

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/petervdpas/fieldlink/internal/proto"
)

// Fix is one sample from the location source.
type Fix struct {
	Lat  float64
	Lon  float64
	Time time.Time
}

// Reporter publishes this device's own location. Only the newest fix is
// kept; it is sent at most once per interval and only after the device has
// moved at least minMove meters since the last published fix.
type Reporter struct {
	reg      *Registry
	limiter  *rate.Limiter
	interval time.Duration
	minMove  float64

	last *Fix
}

func NewReporter(reg *Registry, interval time.Duration, minMove float64) *Reporter {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Reporter{
		reg:      reg,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
		minMove:  minMove,
	}
}

// Run consumes fixes until ctx is done or the channel closes. A fix that
// could not be sent (throttled or disconnected) is retried on the next tick
// unless a newer one replaces it.
func (r *Reporter) Run(ctx context.Context, fixes <-chan Fix) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var pending *Fix
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fixes:
			if !ok {
				return
			}
			pending = &f
		case <-ticker.C:
		}
		if pending != nil && r.offer(*pending) {
			pending = nil
		}
	}
}

// offer reports whether f is finished with, either published or dropped for
// not having moved far enough.
func (r *Reporter) offer(f Fix) bool {
	if r.last != nil && Distance(r.last.Lat, r.last.Lon, f.Lat, f.Lon) < r.minMove {
		return true
	}
	if !r.limiter.Allow() {
		return false
	}
	if !r.reg.PublishOwnLocation(f.Lat, f.Lon, proto.FixTime(f.Time)) {
		return false
	}
	r.last = &f
	return true
}

// Distance returns the great-circle distance in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371000.0
	rad := func(d float64) float64 { return d * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

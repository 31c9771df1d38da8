package geo

import (
    "context"
    "math"
    "math/rand"
    "time"

    "mealtrack/internal/model"
)

// SimSource synthesizes a plausible GPS feed by walking from a start point
// toward a destination at a fixed speed with positional jitter. It stands in
// for device hardware in demos and local runs.
type SimSource struct {
    Start    model.GeoPosition
    Dest     model.GeoPosition
    SpeedMPS float64
    Interval time.Duration

    cur model.GeoPosition
}

func NewSimSource(startLat, startLng, destLat, destLng float64) *SimSource {
    return &SimSource{
        Start:    model.GeoPosition{Lat: startLat, Lng: startLng},
        Dest:     model.GeoPosition{Lat: destLat, Lng: destLng},
        SpeedMPS: 8.0,
        Interval: 3 * time.Second,
        cur:      model.GeoPosition{Lat: startLat, Lng: startLng},
    }
}

func (s *SimSource) Current(ctx context.Context) (model.GeoPosition, error) {
    select {
    case <-ctx.Done():
        return model.GeoPosition{}, Classify(Timeout, ctx.Err())
    default:
    }
    s.cur.Accuracy = 5 + rand.Float64()*10
    s.cur.TS = time.Now().UTC()
    return s.cur, nil
}

func (s *SimSource) Watch(ctx context.Context) (<-chan model.GeoPosition, error) {
    ch := make(chan model.GeoPosition)
    go func() {
        defer close(ch)
        t := time.NewTicker(s.Interval)
        defer t.Stop()
        for {
            select {
            case <-ctx.Done():
                return
            case <-t.C:
                s.step()
                pos := s.cur
                pos.TS = time.Now().UTC()
                pos.Accuracy = 5 + rand.Float64()*10
                select {
                case ch <- pos:
                case <-ctx.Done():
                    return
                }
            }
        }
    }()
    return ch, nil
}

// step advances toward the destination by one interval's worth of travel.
func (s *SimSource) step() {
    dLat := s.Dest.Lat - s.cur.Lat
    dLng := s.Dest.Lng - s.cur.Lng
    distM := haversineM(s.cur.Lat, s.cur.Lng, s.Dest.Lat, s.Dest.Lng)
    if distM < 5 { return }
    travel := s.SpeedMPS * s.Interval.Seconds()
    frac := travel / distM
    if frac > 1 { frac = 1 }
    jitter := func() float64 { return (rand.Float64() - 0.5) * 0.00005 }
    s.cur.Lat += dLat*frac + jitter()
    s.cur.Lng += dLng*frac + jitter()
}

func haversineM(lat1, lng1, lat2, lng2 float64) float64 {
    const r = 6371000.0
    toRad := func(d float64) float64 { return d * math.Pi / 180 }
    dLat := toRad(lat2 - lat1)
    dLng := toRad(lng2 - lng1)
    a := math.Sin(dLat/2)*math.Sin(dLat/2) +
        math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
    return 2 * r * math.Asin(math.Sqrt(a))
}

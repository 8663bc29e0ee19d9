package caseview

import (
	"math"
	"slices"

	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/timebase"
)

const earthRadiusMeters = 6371008.8

// AreaHit 是一个围栏内的定位统计。
type AreaHit struct {
	Area    model.Area       `json:"area"`
	Count   int              `json:"count"`
	First   timebase.Instant `json:"first,omitempty"`
	Last    timebase.Instant `json:"last,omitempty"`
	Devices []string         `json:"devices"`
}

// AreaHits 统计每个围栏内（含边界）的定位，结果与 areas 顺序一致。
// locations 需按时间升序。
func AreaHits(locations []model.MatchedLocation, areas []model.Area) []AreaHit {
	out := make([]AreaHit, len(areas))
	for i, a := range areas {
		h := AreaHit{Area: a, Devices: []string{}}
		for _, l := range locations {
			if DistanceMeters(a.Latitude, a.Longitude, l.Latitude, l.Longitude) > a.RadiusMeters {
				continue
			}
			if h.Count == 0 {
				h.First = l.Timestamp
			}
			h.Last = l.Timestamp
			h.Count++
			if !slices.Contains(h.Devices, l.DeviceID) {
				h.Devices = append(h.Devices, l.DeviceID)
			}
		}
		out[i] = h
	}
	return out
}

// DistanceMeters 是两点间的大圆距离（haversine）。
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}

package ios

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"trace-correlator/internal/domain/model"
)

// ReadRoutinedLocations 读取 routined 的 Cache.sqlite（ZRTCLLOCATIONMO）中的定位。
func ReadRoutinedLocations(ctx context.Context, path, deviceID string) ([]model.Location, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := requireTable(ctx, db, "ZRTCLLOCATIONMO"); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT ZLATITUDE, ZLONGITUDE, ZSPEED, ZVERTICALACCURACY, ZHORIZONTALACCURACY, ZTIMESTAMP
		FROM ZRTCLLOCATIONMO
		ORDER BY ZTIMESTAMP ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query ZRTCLLOCATIONMO: %w", err)
	}
	defer rows.Close()

	out := make([]model.Location, 0, 1024)
	for rows.Next() {
		var lat, lon, speed, vacc, hacc, ts sql.NullFloat64
		if err := rows.Scan(&lat, &lon, &speed, &vacc, &hacc, &ts); err != nil {
			return nil, fmt.Errorf("scan ZRTCLLOCATIONMO: %w", err)
		}
		l := model.Location{
			DeviceID:           deviceID,
			Speed:              optFloat(speed),
			VerticalAccuracy:   optFloat(vacc),
			HorizontalAccuracy: optFloat(hacc),
		}
		if l.Latitude, err = requiredFloat(lat, "ZLATITUDE"); err != nil {
			return nil, err
		}
		if l.Longitude, err = requiredFloat(lon, "ZLONGITUDE"); err != nil {
			return nil, err
		}
		if l.Timestamp, err = appleInstant(ts, "ZTIMESTAMP"); err != nil {
			return nil, err
		}
		if err := l.Validate(); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ZRTCLLOCATIONMO: %w", err)
	}
	return out, nil
}

// knowledgeStreams 是 knowledgeC.db 中关心的两个流。
var knowledgeStreams = []struct {
	stream string
	kind   model.UsageKind
}{
	{"/app/inFocus", model.UsageFocus},
	{"/app/usage", model.UsageUsage},
}

// ReadKnowledgeUsage 读取 CoreDuet knowledgeC.db（ZOBJECT）中的前台焦点与应用使用区间。
// 时长取设备记录的 ZENDDATE-ZSTARTDATE，不做重算。
func ReadKnowledgeUsage(ctx context.Context, path, deviceID string) ([]model.UsageInterval, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := requireTable(ctx, db, "ZOBJECT"); err != nil {
		return nil, err
	}

	var out []model.UsageInterval
	for _, s := range knowledgeStreams {
		rows, err := db.QueryContext(ctx, `
			SELECT ZSTARTDATE, ZENDDATE, COALESCE(ZVALUESTRING, ''), ZENDDATE - ZSTARTDATE
			FROM ZOBJECT
			WHERE ZSTREAMNAME = ?
			ORDER BY ZSTARTDATE ASC
		`, s.stream)
		if err != nil {
			return nil, fmt.Errorf("query ZOBJECT %s: %w", s.stream, err)
		}
		batch, err := scanUsage(rows, deviceID, s.kind)
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", s.stream, err)
		}
		out = append(out, batch...)
	}
	if out == nil {
		out = []model.UsageInterval{}
	}
	return out, nil
}

func scanUsage(rows *sql.Rows, deviceID string, kind model.UsageKind) ([]model.UsageInterval, error) {
	var out []model.UsageInterval
	for rows.Next() {
		var (
			start, end, dur sql.NullFloat64
			bundle          string
		)
		if err := rows.Scan(&start, &end, &bundle, &dur); err != nil {
			return nil, fmt.Errorf("scan ZOBJECT: %w", err)
		}
		u := model.UsageInterval{
			DeviceID:         deviceID,
			BundleIdentifier: strings.TrimSpace(bundle),
			DurationSeconds:  dur.Float64,
			Kind:             kind,
		}
		var err error
		if u.StartTime, err = appleInstant(start, "ZSTARTDATE"); err != nil {
			return nil, err
		}
		if u.EndTime, err = appleInstant(end, "ZENDDATE"); err != nil {
			return nil, err
		}
		if err := u.Validate(); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ReadWifiLocations 读取 locationd 的 cache_encryptedB.db（WifiLocation）。
// 除时间外的字段原样透传。
func ReadWifiLocations(ctx context.Context, path, deviceID string) ([]model.WifiSighting, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := requireTable(ctx, db, "WifiLocation"); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT MAC, Channel, InfoMask, Timestamp, Latitude, Longitude,
		       HorizontalAccuracy, Altitude, VerticalAccuracy, Speed,
		       Course, Confidence, Score, Reach, FenceForeignKey
		FROM WifiLocation
		ORDER BY Timestamp ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query WifiLocation: %w", err)
	}
	defer rows.Close()

	out := make([]model.WifiSighting, 0, 1024)
	for rows.Next() {
		var (
			mac                            sql.NullInt64
			channel, infoMask, fence       sql.NullInt64
			ts, lat, lon                   sql.NullFloat64
			hacc, alt, vacc, speed, course sql.NullFloat64
			confidence, score, reach       sql.NullFloat64
		)
		if err := rows.Scan(&mac, &channel, &infoMask, &ts, &lat, &lon,
			&hacc, &alt, &vacc, &speed, &course, &confidence, &score, &reach, &fence); err != nil {
			return nil, fmt.Errorf("scan WifiLocation: %w", err)
		}
		if !mac.Valid || mac.Int64 < 0 {
			return nil, fmt.Errorf("%w: WifiLocation.MAC missing", model.ErrInvalidRecord)
		}
		w := model.WifiSighting{
			DeviceID:           deviceID,
			MAC:                uint64(mac.Int64),
			Channel:            optInt(channel),
			InfoMask:           optInt(infoMask),
			HorizontalAccuracy: optFloat(hacc),
			Altitude:           optFloat(alt),
			VerticalAccuracy:   optFloat(vacc),
			Speed:              optFloat(speed),
			Course:             optFloat(course),
			Confidence:         optFloat(confidence),
			Score:              optFloat(score),
			Reach:              optFloat(reach),
			FenceForeignKey:    optInt(fence),
		}
		if w.Timestamp, err = appleInstant(ts, "WifiLocation.Timestamp"); err != nil {
			return nil, err
		}
		if w.Latitude, err = requiredFloat(lat, "WifiLocation.Latitude"); err != nil {
			return nil, err
		}
		if w.Longitude, err = requiredFloat(lon, "WifiLocation.Longitude"); err != nil {
			return nil, err
		}
		if err := w.Validate(); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate WifiLocation: %w", err)
	}
	return out, nil
}

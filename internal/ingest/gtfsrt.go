package ingest

import (
	"context"
	"errors"
	"fmt"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/proto"

	"github.com/Sandeepjatav78/Raahi/internal/model"
)

// DecodeGTFSRT extracts position reports from the VehiclePosition entities of
// a GTFS-Realtime FeedMessage. Entities without a trip or position are skipped.
func DecodeGTFSRT(data []byte) ([]model.PositionReport, error) {
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(data, feed); err != nil {
		return nil, fmt.Errorf("decode gtfs-rt feed: %w", err)
	}
	headerTS := feed.GetHeader().GetTimestamp()

	var out []model.PositionReport
	for _, entity := range feed.GetEntity() {
		vp := entity.GetVehicle()
		if vp == nil || vp.GetPosition() == nil || vp.GetTrip().GetTripId() == "" {
			continue
		}
		pos := vp.GetPosition()
		source := vp.GetVehicle().GetId()
		if source == "" {
			source = entity.GetId()
		}
		r := model.PositionReport{
			TripID: vp.GetTrip().GetTripId(),
			Source: "gtfsrt:" + source,
			Lat:    float64(pos.GetLatitude()),
			Lng:    float64(pos.GetLongitude()),
		}
		ts := vp.GetTimestamp()
		if ts == 0 {
			ts = headerTS
		}
		if ts > 0 {
			r.Timestamp = int64(ts) * 1000
		}
		if pos.Speed != nil {
			v := float64(pos.GetSpeed())
			r.Speed = &v
		}
		if pos.Bearing != nil {
			b := float64(pos.GetBearing())
			r.Heading = &b
		}
		out = append(out, r)
	}
	return out, nil
}

// IngestGTFSRT decodes a feed and applies each vehicle position. It returns
// how many reports were accepted and how many were dropped.
func (o *Orchestrator) IngestGTFSRT(ctx context.Context, data []byte) (accepted, dropped int, err error) {
	reports, err := DecodeGTFSRT(data)
	if err != nil {
		return 0, 0, err
	}
	for _, r := range reports {
		if _, err := o.HandlePosition(ctx, r); err != nil {
			if !errors.Is(err, ErrThrottled) {
				log.Debug().Err(err).Str("trip", r.TripID).Str("source", r.Source).Msg("gtfs-rt position dropped")
			}
			dropped++
			continue
		}
		accepted++
	}
	return accepted, dropped, nil
}

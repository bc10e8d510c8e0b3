// Package ingest implements the Ingestion Pipeline described in spec §4.2:
// parsing, validation, normalization, dispatch, and persistence of
// location_update and log events arriving from either transport surface.
package ingest

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/TrainLCD/THQ/internal/domain"
	"github.com/TrainLCD/THQ/internal/hub"
	"github.com/TrainLCD/THQ/internal/logging"
	"github.com/TrainLCD/THQ/internal/metrics"
	"github.com/TrainLCD/THQ/internal/segment"
	"github.com/TrainLCD/THQ/internal/storage"
)

// accuracyLowThresholdMeters is the fixed threshold from spec §4.2 step 6.
const accuracyLowThresholdMeters = 100.0

// ValidationError is a rejection carrying the ErrorType to report to the
// sender.
type ValidationError struct {
	Type   domain.ErrorType
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func reject(errType domain.ErrorType, reason string) *ValidationError {
	return &ValidationError{Type: errType, Reason: reason}
}

// Pipeline wires the Segment Estimator, Hub, and Storage together. The same
// Pipeline instance is shared by the duplex and REST transports so that
// "exactly one broadcast per accepted event regardless of ingress channel"
// holds regardless of which surface accepted it.
type Pipeline struct {
	hub   *hub.Hub
	est   *segment.Estimator
	store *storage.Storage
	log   *logging.Logger
}

// New constructs a Pipeline.
func New(h *hub.Hub, est *segment.Estimator, store *storage.Storage, log *logging.Logger) *Pipeline {
	if log == nil {
		log = logging.L()
	}
	return &Pipeline{hub: h, est: est, store: store, log: log.With(logging.String("component", "ingest"))}
}

// LocationResult is the outcome of accepting a location_update event.
type LocationResult struct {
	Location domain.OutgoingLocation
	Warning  *domain.OutgoingError // non-nil when accuracy exceeded the threshold
}

// Options holds per-surface validation settings. CoerceNegativeSpeedToAbsent
// (REST path) turns a negative speed into an absent one, which then defaults
// to 0; when false (duplex path) a negative speed is accepted as sent.
type Options struct {
	CoerceNegativeSpeedToAbsent bool
}

// AcceptLocation validates, normalizes, segments, broadcasts, and persists
// a location_update event. ctx bounds the storage write only; a
// storage failure is logged and never returned as an ingestion error.
func (p *Pipeline) AcceptLocation(ctx context.Context, in domain.IncomingLocation, opts Options) (*LocationResult, *ValidationError) {
	if !in.Coords.ValidLatLon() {
		return nil, reject(domain.ErrInvalidCoords, "latitude/longitude must be finite and in range")
	}
	if opts.CoerceNegativeSpeedToAbsent && in.Coords.Speed != nil && *in.Coords.Speed < 0 {
		in.Coords.Speed = nil
	}
	if !in.Coords.ValidSpeed() {
		return nil, reject(domain.ErrPayloadParse, "speed must be finite")
	}
	if !in.Coords.ValidAccuracy() {
		return nil, reject(domain.ErrPayloadParse, "accuracy must be finite and non-negative")
	}
	if !in.State.Valid() {
		return nil, reject(domain.ErrPayloadParse, "state is not a recognized movement state")
	}

	id := in.ID
	if id == nil || *id == "" {
		generated := uuid.NewString()
		id = &generated
	}

	stationID := in.StationID
	if in.State.DropsStationID() {
		stationID = nil
	}

	speed := in.Coords.Speed
	if speed == nil {
		zero := 0.0
		speed = &zero
	}

	out := domain.OutgoingLocation{
		ID:        *id,
		Device:    in.Device,
		State:     in.State,
		StationID: stationID,
		LineID:    in.LineID,
		Coords: domain.Coords{
			Latitude:  in.Coords.Latitude,
			Longitude: in.Coords.Longitude,
			Accuracy:  in.Coords.Accuracy,
			Speed:     speed,
		},
		Timestamp: in.Timestamp,
	}

	p.est.Annotate(&out)

	payload, err := domain.MarshalLocation(out)
	if err != nil {
		return nil, reject(domain.ErrUnknown, "failed to serialize event")
	}
	p.hub.Broadcast(string(payload))
	metrics.IncIngestAccepted("location_update")

	if err := p.store.StoreLocation(ctx, out); err != nil {
		p.log.Warn("persistence failed", logging.Error(err), logging.String("id", out.ID))
	}

	result := &LocationResult{Location: out}
	if out.Coords.Accuracy != nil && *out.Coords.Accuracy > accuracyLowThresholdMeters {
		result.Warning = &domain.OutgoingError{
			Type:   domain.ErrAccuracyLow,
			Reason: accuracyLowReason(*out.Coords.Accuracy),
		}
	}
	return result, nil
}

func accuracyLowReason(accuracy float64) string {
	var b strings.Builder
	b.WriteString("accuracy ")
	b.WriteString(strconv.FormatFloat(accuracy, 'f', 1, 64))
	b.WriteString("m exceeds threshold of 100m")
	return b.String()
}

// AcceptLog validates, normalizes, broadcasts, and persists a log event.
func (p *Pipeline) AcceptLog(ctx context.Context, in domain.IncomingLog) (*domain.OutgoingLog, *ValidationError) {
	if strings.TrimSpace(in.Log.Message) == "" {
		return nil, reject(domain.ErrPayloadParse, "log message must not be empty")
	}
	if !in.Log.Type.Valid() {
		return nil, reject(domain.ErrPayloadParse, "log type is not recognized")
	}
	if !in.Log.Level.Valid() {
		return nil, reject(domain.ErrPayloadParse, "log level is not recognized")
	}

	id := in.ID
	if id == nil || *id == "" {
		generated := uuid.NewString()
		id = &generated
	}

	out := domain.OutgoingLog{ID: *id, Device: in.Device, Timestamp: in.Timestamp, Log: in.Log}

	payload, err := domain.MarshalLog(out)
	if err != nil {
		return nil, reject(domain.ErrUnknown, "failed to serialize event")
	}
	p.hub.Broadcast(string(payload))
	metrics.IncIngestAccepted("log")

	if err := p.store.StoreLog(ctx, out); err != nil {
		p.log.Warn("persistence failed", logging.Error(err), logging.String("id", out.ID))
	}
	return &out, nil
}

// AnnounceSubscriber broadcasts the synthetic system/info log spec §4.2
// describes for a newly subscribed client.
func (p *Pipeline) AnnounceSubscriber(ctx context.Context, device string) {
	out, verr := p.AcceptLog(ctx, domain.IncomingLog{
		Device:    device,
		Timestamp: 0,
		Log: domain.LogPayload{
			Type:    domain.LogTypeSystem,
			Level:   domain.LogLevelInfo,
			Message: "subscriber connected",
		},
	})
	if verr != nil {
		p.log.Warn("failed to announce subscriber", logging.Error(verr))
	}
	_ = out
}

// RejectReason increments the rejection metric for a ValidationError. The
// transport layer calls this once it decides to unicast the error back to
// the sender.
func RejectReason(v *ValidationError) {
	metrics.IncIngestRejected(string(v.Type))
}

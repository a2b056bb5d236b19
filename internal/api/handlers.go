package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"biblio/internal/database"
	"biblio/internal/models"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ReservationServiceName = "biblio.engine.v1.ReservationService"
	methodGetReservation   = "/" + ReservationServiceName + "/GetReservation"
	methodListReservations = "/" + ReservationServiceName + "/ListReservations"
)

// Reader is the read-only storage surface the API serves from.
type Reader interface {
	Get(ctx context.Context, id string) (*models.Reservation, error)
	ListByDate(ctx context.Context, date string) ([]*models.Reservation, error)
}

// ReservationServiceServer is the operator lookup service. Messages are
// google.protobuf.Struct so no generated code is needed on either side.
type ReservationServiceServer interface {
	GetReservation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListReservations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var ReservationServiceDesc = grpc.ServiceDesc{
	ServiceName: ReservationServiceName,
	HandlerType: (*ReservationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetReservation", Handler: unaryStructHandler(methodGetReservation, ReservationServiceServer.GetReservation)},
		{MethodName: "ListReservations", Handler: unaryStructHandler(methodListReservations, ReservationServiceServer.ListReservations)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "biblio/engine/v1/reservation.proto",
}

type structMethod func(ReservationServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryStructHandler(fullMethod string, call structMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ReservationServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ReservationServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type ReservationService struct {
	repo Reader
}

func NewReservationService(repo Reader) *ReservationService {
	return &ReservationService{repo: repo}
}

func (s *ReservationService) GetReservation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := strings.TrimSpace(req.GetFields()["id"].GetStringValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}

	r, err := s.repo.Get(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, status.Error(codes.NotFound, "reservation not found")
	}
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to get reservation")
	}

	out, err := structpb.NewStruct(reservationView(r))
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode reservation")
	}
	return out, nil
}

func (s *ReservationService) ListReservations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	date := strings.TrimSpace(req.GetFields()["date"].GetStringValue())
	if date == "" {
		return nil, status.Error(codes.InvalidArgument, "date is required")
	}
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid date format; expected YYYY-MM-DD")
	}

	records, err := s.repo.ListByDate(ctx, date)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to list reservations")
	}

	items := make([]any, 0, len(records))
	for _, r := range records {
		items = append(items, reservationView(r))
	}
	out, err := structpb.NewStruct(map[string]any{"date": date, "reservations": items})
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode reservations")
	}
	return out, nil
}

// reservationView is the wire shape shared by HTTP and gRPC.
// Email and the internal user id are not exposed.
func reservationView(r *models.Reservation) map[string]any {
	return map[string]any{
		"id":             r.ID,
		"codice_fiscale": r.Owner.CodiceFiscale,
		"name":           r.Owner.Name,
		"selected_date":  r.SelectedDate,
		"start_time":     r.StartTime,
		"end_time":       r.EndTime,
		"duration":       r.Duration,
		"status":         r.Status.String(),
		"retries":        r.Retries,
		"booking_code":   r.BookingCode,
		"status_change":  r.StatusChange,
		"priority":       r.Priority,
		"updated_at":     r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

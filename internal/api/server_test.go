package api

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"biblio/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func startTestGRPC(t *testing.T, repo Reader) (*GRPCServer, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	logger := zerolog.New(io.Discard)
	cfg := &config.APIConfig{Enabled: true, GRPC: config.APIGRPCConfig{Enabled: true, Reflection: true}}

	srv, err := NewGRPCServerWithListener(cfg, repo, lis, &logger)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, conn
}

func TestGRPCGetReservation(t *testing.T) {
	db := newTestDB(t)
	createTestReservation(t, db, "r-1", "2025-04-08", "10:00")
	_, conn := startTestGRPC(t, db)

	ctx := context.Background()
	in, err := structpb.NewStruct(map[string]any{"id": "r-1"})
	require.NoError(t, err)

	out := new(structpb.Struct)
	require.NoError(t, conn.Invoke(ctx, methodGetReservation, in, out))
	assert.Equal(t, "r-1", out.GetFields()["id"].GetStringValue())
	assert.Equal(t, "pending", out.GetFields()["status"].GetStringValue())
	assert.Equal(t, float64(2), out.GetFields()["duration"].GetNumberValue())

	missing, _ := structpb.NewStruct(map[string]any{"id": "nope"})
	err = conn.Invoke(ctx, methodGetReservation, missing, new(structpb.Struct))
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = conn.Invoke(ctx, methodGetReservation, &structpb.Struct{}, new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCListReservations(t *testing.T) {
	db := newTestDB(t)
	createTestReservation(t, db, "r-1", "2025-04-08", "10:00")
	createTestReservation(t, db, "r-2", "2025-04-08", "14:00")
	_, conn := startTestGRPC(t, db)

	in, _ := structpb.NewStruct(map[string]any{"date": "2025-04-08"})
	out := new(structpb.Struct)
	require.NoError(t, conn.Invoke(context.Background(), methodListReservations, in, out))
	assert.Len(t, out.GetFields()["reservations"].GetListValue().GetValues(), 2)

	bad, _ := structpb.NewStruct(map[string]any{"date": "tomorrow"})
	err := conn.Invoke(context.Background(), methodListReservations, bad, new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCHealthTracksEngine(t *testing.T) {
	srv, conn := startTestGRPC(t, newTestDB(t))
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ReservationServiceName))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))

	var running atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.TrackEngine(ctx, func() EngineStatus { return EngineStatus{Running: running.Load()} }, 5*time.Millisecond)
		close(done)
	}()

	running.Store(true)
	require.Eventually(t, func() bool { return check("") == healthpb.HealthCheckResponse_SERVING }, time.Second, 5*time.Millisecond)

	running.Store(false)
	require.Eventually(t, func() bool { return check("") == healthpb.HealthCheckResponse_NOT_SERVING }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

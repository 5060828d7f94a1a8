package api

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/hubclient/internal/bus"
	"github.com/matheus3301/hubclient/internal/status"
	"github.com/matheus3301/hubclient/internal/store"
	"github.com/matheus3301/hubclient/internal/supervisor"
)

const watchBuffer = 256

// Connection is the connection owner. *supervisor.Supervisor satisfies it.
type Connection interface {
	Snapshot() supervisor.Snapshot
	Reconnect(ctx context.Context) (supervisor.Transport, error)
	ForceReconnect(ctx context.Context) (supervisor.Transport, error)
}

// SessionServer is the server API of the session service.
type SessionServer interface {
	GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error)
	Reconnect(context.Context, *ReconnectRequest) (*ReconnectResponse, error)
	WatchEvents(*WatchEventsRequest, EventStream) error
}

// SessionService reports and controls the connection.
type SessionService struct {
	profile   string
	startedAt time.Time
	conn      Connection
	machine   *status.Machine
	bus       *bus.Bus
	db        *store.DB
	logger    *zap.Logger
}

// NewSessionService creates a new session service.
func NewSessionService(profile string, conn Connection, machine *status.Machine, b *bus.Bus, db *store.DB, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		profile:   profile,
		startedAt: time.Now(),
		conn:      conn,
		machine:   machine,
		bus:       b,
		db:        db,
		logger:    logger,
	}
}

func (s *SessionService) GetStatus(_ context.Context, _ *GetStatusRequest) (*GetStatusResponse, error) {
	snap := s.conn.Snapshot()
	resp := &GetStatusResponse{
		Profile:             s.profile,
		State:               string(snap.State),
		Identity:            snap.Identity,
		Quality:             string(snap.Quality),
		ReconnectAttempts:   snap.ReconnectAttempts,
		ConnectAttempts:     snap.ConnectAttempts,
		LastConnectedAt:     snap.LastConnectedAt,
		TotalDisconnections: snap.TotalDisconnections,
		AverageReconnectMs:  snap.AverageReconnectMs,
		LastError:           snap.LastError,
		ErrorCategory:       snap.ErrorCategory,
		UptimeMs:            time.Since(s.startedAt).Milliseconds(),
		PID:                 os.Getpid(),
	}
	if s.machine != nil {
		resp.StateSince = s.machine.Since()
	}

	if s.db != nil {
		resp.SelectedChat = s.db.SelectedChatID()
		if n, err := s.db.ChatCount(); err == nil {
			resp.ChatCount = n
		}
		if n, err := s.db.MessageCount(); err == nil {
			resp.MessageCount = n
		}
	}
	return resp, nil
}

func (s *SessionService) Reconnect(ctx context.Context, req *ReconnectRequest) (*ReconnectResponse, error) {
	var err error
	if req.Force {
		_, err = s.conn.ForceReconnect(ctx)
	} else {
		_, err = s.conn.Reconnect(ctx)
	}
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "reconnect: %v", err)
	}
	return &ReconnectResponse{State: string(s.conn.Snapshot().State)}, nil
}

// WatchEvents streams bus events until the client goes away.
func (s *SessionService) WatchEvents(req *WatchEventsRequest, stream EventStream) error {
	ch, unsub := s.bus.Subscribe(req.Prefix, watchBuffer)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(&Event{Kind: evt.Kind, Timestamp: evt.Timestamp, Payload: payload}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// SessionServiceDesc describes SessionService for grpc.ServiceRegistrar.
var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SessionServiceName, "GetStatus", SessionServer.GetStatus),
		unary(SessionServiceName, "Reconnect", SessionServer.Reconnect),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchEvents",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(WatchEventsRequest)
			if err := recvRequest(stream, in); err != nil {
				return err
			}
			return srv.(SessionServer).WatchEvents(in, eventStream{stream})
		},
	}},
}

// RegisterSessionService registers s on r.
func RegisterSessionService(r grpc.ServiceRegistrar, s SessionServer) {
	r.RegisterService(&SessionServiceDesc, s)
}

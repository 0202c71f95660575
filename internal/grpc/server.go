package grpc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"

	"github.com/sunshow/warmupd/internal/engine"
	"github.com/sunshow/warmupd/internal/event"
	"github.com/sunshow/warmupd/internal/lifecycle"
	"github.com/sunshow/warmupd/internal/warmup"
)

// WarmupServer implements the gRPC WarmupService
type WarmupServer struct {
	scheduler *engine.Scheduler
	binder    *lifecycle.Binder
	eventBus  *event.Bus
	validate  *validator.Validate
	logger    *zap.SugaredLogger
}

// NewWarmupServer creates a new gRPC server
func NewWarmupServer(scheduler *engine.Scheduler, binder *lifecycle.Binder, eventBus *event.Bus, logger *zap.SugaredLogger) *WarmupServer {
	return &WarmupServer{
		scheduler: scheduler,
		binder:    binder,
		eventBus:  eventBus,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Register registers the service with a gRPC server
func (s *WarmupServer) Register(server *grpclib.Server) {
	RegisterWarmupServiceServer(server, s)
}

// ─── Ready View ───

func (s *WarmupServer) ReadyAccounts(ctx context.Context, req *ReadyAccountsRequest) (*ReadyAccountsResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return &ReadyAccountsResponse{Success: false, Error: err.Error()}, nil
	}
	limit := req.Limit
	if limit == 0 {
		limit = 10
	}

	entries, err := s.binder.ReadyAccounts(ctx, limit)
	if err != nil {
		s.logger.Errorw("ReadyAccounts failed", "error", err)
		return &ReadyAccountsResponse{Success: false, Error: err.Error()}, nil
	}

	resp := &ReadyAccountsResponse{Success: true, Accounts: make([]ReadyAccount, 0, len(entries))}
	for _, e := range entries {
		resp.Accounts = append(resp.Accounts, ReadyAccount{
			AccountID:       e.Account.ID,
			Username:        e.Account.Username,
			ContainerNumber: e.Account.ContainerNumber,
			PhaseID:         e.Phase.ID,
			Phase:           string(e.Phase.Phase),
			PhaseOrder:      e.Phase.PhaseOrder,
			AvailableAt:     e.Phase.AvailableAt,
		})
	}
	return resp, nil
}

// ─── Phase Actions ───

func (s *WarmupServer) AdvancePhase(ctx context.Context, req *AdvancePhaseRequest) (*AdvancePhaseResponse, error) {
	s.logger.Infow("AdvancePhase called",
		"phase_id", req.PhaseID,
		"account_id", req.AccountID,
		"phase", req.Phase,
		"outcome", req.Outcome,
		"actor", req.Actor,
	)
	if err := s.validate.Struct(req); err != nil {
		return &AdvancePhaseResponse{Success: false, Error: err.Error()}, nil
	}

	outcome, err := warmup.ParseOutcome(req.Outcome)
	if err != nil {
		return &AdvancePhaseResponse{Success: false, Error: err.Error()}, nil
	}
	var phase warmup.PhaseType
	if req.Phase != "" {
		if phase, err = warmup.ParsePhase(req.Phase); err != nil {
			return &AdvancePhaseResponse{Success: false, Error: err.Error()}, nil
		}
	}

	res, err := s.scheduler.AdvancePhase(ctx, engine.AdvanceRequest{
		PhaseID:      req.PhaseID,
		AccountID:    req.AccountID,
		Phase:        phase,
		SessionID:    req.SessionID,
		Outcome:      outcome,
		ErrorMessage: req.ErrorMessage,
		DurationMs:   req.DurationMs,
		Actor:        req.Actor,
	})
	if err != nil {
		s.logger.Errorw("AdvancePhase failed", "error", err)
		return &AdvancePhaseResponse{Success: false, Error: err.Error()}, nil
	}

	return &AdvancePhaseResponse{
		Success:         true,
		Phase:           res.Phase,
		NextAvailableAt: res.NextAvailableAt,
		Activated:       res.Activated,
	}, nil
}

func (s *WarmupServer) RequeuePhase(ctx context.Context, req *RequeuePhaseRequest) (*PhaseResponse, error) {
	s.logger.Infow("RequeuePhase called", "phase_id", req.PhaseID, "actor", req.Actor)
	if err := s.validate.Struct(req); err != nil {
		return &PhaseResponse{Success: false, Error: err.Error()}, nil
	}

	p, err := s.scheduler.RequeuePhase(ctx, req.PhaseID, req.Actor)
	if err != nil {
		s.logger.Errorw("RequeuePhase failed", "error", err)
		return &PhaseResponse{Success: false, Error: err.Error()}, nil
	}
	return &PhaseResponse{Success: true, Phase: p}, nil
}

func (s *WarmupServer) WarmupStatus(ctx context.Context, req *WarmupStatusRequest) (*WarmupStatusResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return &WarmupStatusResponse{Success: false, Error: err.Error()}, nil
	}

	progress, err := s.scheduler.WarmupStatus(ctx, req.AccountID)
	if err != nil {
		return &WarmupStatusResponse{Success: false, Error: err.Error()}, nil
	}
	return &WarmupStatusResponse{Success: true, Status: progress}, nil
}

// ─── Lifecycle ───

func (s *WarmupServer) TransitionLifecycle(ctx context.Context, req *TransitionRequest) (*TransitionResponse, error) {
	s.logger.Infow("TransitionLifecycle called",
		"account_id", req.AccountID,
		"to", req.ToState,
		"actor", req.Actor,
		"force", req.Force,
	)
	if err := s.validate.Struct(req); err != nil {
		return &TransitionResponse{Success: false, Error: err.Error()}, nil
	}

	to, err := warmup.ParseLifecycleState(req.ToState)
	if err != nil {
		return &TransitionResponse{Success: false, Error: err.Error()}, nil
	}

	st, err := s.binder.Transition(ctx, lifecycle.TransitionRequest{
		AccountID: req.AccountID,
		To:        to,
		Reason:    req.Reason,
		Actor:     req.Actor,
		Notes:     req.Notes,
		Force:     req.Force,
	})
	if err != nil {
		s.logger.Errorw("TransitionLifecycle failed", "error", err)
		return &TransitionResponse{Success: false, Error: err.Error()}, nil
	}
	return &TransitionResponse{Success: true, Transition: st}, nil
}

func (s *WarmupServer) AssignContainer(ctx context.Context, req *AssignContainerRequest) (*ActionResponse, error) {
	s.logger.Infow("AssignContainer called", "account_id", req.AccountID, "container_number", req.ContainerNumber)
	if err := s.validate.Struct(req); err != nil {
		return &ActionResponse{Success: false, Error: err.Error()}, nil
	}

	if err := s.binder.AssignContainer(ctx, req.AccountID, req.ContainerNumber); err != nil {
		s.logger.Errorw("AssignContainer failed", "error", err)
		return &ActionResponse{Success: false, Error: err.Error()}, nil
	}
	return &ActionResponse{Success: true}, nil
}

func (s *WarmupServer) AssignProxy(ctx context.Context, req *AssignProxyRequest) (*ActionResponse, error) {
	s.logger.Infow("AssignProxy called", "account_id", req.AccountID, "proxy_id", req.ProxyID)
	if err := s.validate.Struct(req); err != nil {
		return &ActionResponse{Success: false, Error: err.Error()}, nil
	}

	if err := s.binder.AssignProxy(ctx, req.AccountID, req.ProxyID); err != nil {
		s.logger.Errorw("AssignProxy failed", "error", err)
		return &ActionResponse{Success: false, Error: err.Error()}, nil
	}
	return &ActionResponse{Success: true}, nil
}

func (s *WarmupServer) PauseAccount(ctx context.Context, req *PauseAccountRequest) (*ActionResponse, error) {
	s.logger.Infow("PauseAccount called", "account_id", req.AccountID, "until", req.Until)
	if err := s.validate.Struct(req); err != nil {
		return &ActionResponse{Success: false, Error: err.Error()}, nil
	}

	if err := s.binder.PauseAccount(ctx, req.AccountID, req.Until); err != nil {
		s.logger.Errorw("PauseAccount failed", "error", err)
		return &ActionResponse{Success: false, Error: err.Error()}, nil
	}
	return &ActionResponse{Success: true}, nil
}

// ─── Event Stream ───

func (s *WarmupServer) EventStream(req *EventStreamRequest, stream EventStreamServer) error {
	s.logger.Infow("EventStream started", "account_id", req.AccountID)

	ctx := stream.Context()
	ch := make(chan *event.Event, 100)
	var mu sync.Mutex
	closed := false

	// Determine subscription channel
	subChannel := "*"
	if req.AccountID != 0 {
		subChannel = event.AccountChannel(req.AccountID)
	}

	cancel := s.eventBus.Subscribe(subChannel, func(evt *event.Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- evt:
		default:
			// Channel full, drop event (client too slow)
			s.logger.Warnw("Event dropped, client too slow", "event_type", evt.Type)
		}
	})
	defer func() {
		cancel()
		mu.Lock()
		closed = true
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("EventStream closed", "account_id", req.AccountID)
			return nil
		case evt := <-ch:
			dataJSON := "{}"
			if evt.Data != nil {
				if b, err := json.Marshal(evt.Data); err == nil {
					dataJSON = string(b)
				}
			}

			if err := stream.Send(&ServerEvent{
				EventType: evt.Type,
				AccountID: evt.AccountID,
				PhaseID:   evt.PhaseID,
				Phase:     evt.Phase,
				DataJSON:  dataJSON,
				Timestamp: evt.Timestamp,
			}); err != nil {
				s.logger.Warnw("Failed to send event", "error", err)
				return err
			}
		}
	}
}

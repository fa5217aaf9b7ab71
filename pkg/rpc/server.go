package rpc

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/reconciler"
	"sriov-provisioner/pkg/sriov"
	"sriov-provisioner/pkg/types"
)

// Provisioner is what the server drives. *reconciler.Reconciler
// implements it.
type Provisioner interface {
	Provision(ctx context.Context, count int) ([]types.VirtualFunction, error)
	Reset(ctx context.Context) error
	State() reconciler.State
	PhysicalFunction() types.PhysicalFunction
}

// Server implements ProvisionerServer. Only one Provision or Reset runs at a
// time; overlapping calls fail with codes.Aborted.
type Server struct {
	p     Provisioner
	log   *logrus.Entry
	gauge   func(pf pciaddr.Address, n int)
	devices func() []sriov.PF

	busy sync.Mutex
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *logrus.Entry) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithVFGauge sets a callback receiving the VF count after every
// successful Provision or Reset.
func WithVFGauge(fn func(pf pciaddr.Address, n int)) ServerOption {
	return func(s *Server) { s.gauge = fn }
}

// WithDevices sets the source of the SR-IOV devices listed by Status.
func WithDevices(fn func() []sriov.PF) ServerOption {
	return func(s *Server) { s.devices = fn }
}

// NewServer returns a Server driving p.
func NewServer(p Provisioner, opts ...ServerOption) *Server {
	s := &Server{
		p:     p,
		log:   logging.Component("rpc"),
		gauge: func(pciaddr.Address, int) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewGRPCServer creates a grpc.Server with the Provisioner and health
// services registered. The Provisioner service is reported as serving.
func NewGRPCServer(srv ProvisionerServer, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(opts...)
	RegisterProvisionerServer(gs, srv)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return gs, hs
}

func (s *Server) acquire() error {
	if !s.busy.TryLock() {
		return status.Error(codes.Aborted, "another provisioning operation is in progress")
	}
	return nil
}

// Provision handles {"count": n}.
func (s *Server) Provision(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	count, err := countFrom(req)
	if err != nil {
		return nil, err
	}
	vfs, err := s.Apply(ctx, count)
	if err != nil {
		return nil, err
	}
	return encodeResult(s.p.PhysicalFunction().Address, s.p.State(), vfs)
}

// Apply provisions count VFs under the server's lock. Errors are gRPC
// status errors.
func (s *Server) Apply(ctx context.Context, count int) ([]types.VirtualFunction, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.busy.Unlock()

	pf := s.p.PhysicalFunction().Address
	s.log.WithFields(logrus.Fields{"pf": pf.String(), "count": count}).Info("provision requested")
	vfs, err := s.p.Provision(ctx, count)
	if err != nil {
		s.log.WithError(err).WithField("pf", pf.String()).Warn("provision failed")
		return nil, toStatus(err)
	}
	s.gauge(pf, len(vfs))
	return vfs, nil
}

// Reset removes every VF of the PF.
func (s *Server) Reset(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.busy.Unlock()

	pf := s.p.PhysicalFunction().Address
	if err := s.p.Reset(ctx); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.gauge(pf, 0)
	s.log.WithField("pf", pf.String()).Info("virtual functions reset")
	return &emptypb.Empty{}, nil
}

// Status reports the PF, the current reconciler state and, when a device
// source is set, every SR-IOV device on the host.
func (s *Server) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	pf := s.p.PhysicalFunction()
	fields := map[string]any{
		"pf":        pf.Address.String(),
		"interface": pf.InterfaceName,
		"driver":    pf.Driver,
		"total_vfs": pf.TotalVFs,
		"max_vfs":   pf.MaxVFs,
		"state":     s.p.State().String(),
	}
	if s.devices != nil {
		fields["devices"] = encodeDevices(s.devices())
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func encodeDevices(pfs []sriov.PF) []any {
	out := make([]any, 0, len(pfs))
	for _, pf := range pfs {
		vfs := make([]any, 0, len(pf.VFs))
		for _, vf := range pf.VFs {
			vfs = append(vfs, map[string]any{
				"index":          vf.Index,
				"pci_address":    vf.Address.String(),
				"interface_name": vf.InterfaceName,
				"driver":         vf.Driver,
				"state":          string(vf.State),
			})
		}
		out = append(out, map[string]any{
			"pf":        pf.Address.String(),
			"interface": pf.InterfaceName,
			"driver":    pf.Driver,
			"num_vfs":   pf.NumVFs,
			"vfs":       vfs,
		})
	}
	return out
}

func countFrom(req *structpb.Struct) (int, error) {
	v, ok := req.GetFields()["count"]
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "count is required")
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, status.Errorf(codes.InvalidArgument, "count must be an integer, got %v", v.AsInterface())
	}
	return int(n.NumberValue), nil
}

func toStatus(err error) error {
	var cerr *reconciler.ConsistencyError
	if errors.As(err, &cerr) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	var perr *reconciler.ProvisioningError
	if errors.As(err, &perr) {
		switch perr.Reason {
		case reconciler.ReasonInvalidCount:
			return status.Error(codes.InvalidArgument, err.Error())
		case reconciler.ReasonNotConverged:
			return status.Error(codes.DeadlineExceeded, err.Error())
		case reconciler.ReasonCanceled:
			return status.Error(codes.Canceled, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"log/slog"

	"fringe/internal/daemon"
	"fringe/internal/logging"
	"fringe/internal/queue"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName("Fringe", srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually or rerun fringe stop"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) log() *slog.Logger {
	if s.logger == nil {
		return logging.NewNop()
	}
	return s.logger.With(logging.String(logging.FieldComponent, "ipc"))
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	s.log().Debug("daemon start requested")
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Started = false
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "daemon started"
	s.log().Info("daemon started via IPC",
		logging.String(logging.FieldEventType, "daemon_start"))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.log().Debug("daemon stop requested")
	s.daemon.Stop()
	resp.Stopped = true
	s.log().Info("daemon stopped via IPC",
		logging.String(logging.FieldEventType, "daemon_stop"))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status, err := s.daemon.Status(s.ctx)
	if err != nil {
		return err
	}
	resp.Running = status.Running
	resp.PID = status.PID
	resp.StartedAt = status.StartedAt
	resp.Workers = status.Workers
	resp.Health = fromHealth(status.Health)
	resp.Converter = Tool{
		Command:   status.Converter.Command,
		Available: status.Converter.Available,
		Detail:    status.Converter.Detail,
	}
	resp.Checks = make([]Check, 0, len(status.Checks))
	for _, check := range status.Checks {
		resp.Checks = append(resp.Checks, Check{
			Name:   check.Name,
			Passed: check.Passed,
			Detail: check.Detail,
		})
	}
	resp.DatabasePath = status.DatabasePath
	resp.LockPath = status.LockPath
	resp.SocketPath = status.SocketPath
	resp.LogPath = status.LogPath
	resp.MetricsAddr = status.MetricsAddr
	return nil
}

func (s *service) GroupList(req GroupListRequest, resp *GroupListResponse) error {
	statuses := make([]queue.GroupStatus, 0, len(req.Statuses))
	for _, status := range req.Statuses {
		parsed, ok := queue.ParseGroupStatus(status)
		if !ok {
			continue
		}
		statuses = append(statuses, parsed)
	}
	groups, err := s.daemon.ListGroups(s.ctx, statuses)
	if err != nil {
		return err
	}
	resp.Groups = make([]Group, 0, len(groups))
	for _, group := range groups {
		resp.Groups = append(resp.Groups, fromGroup(group))
	}
	return nil
}

func (s *service) GroupDescribe(req GroupDescribeRequest, resp *GroupDescribeResponse) error {
	if req.GroupKey == "" {
		return errors.New("group describe requires a group key")
	}
	group, fragments, err := s.daemon.GroupFragments(s.ctx, req.GroupKey)
	if err != nil {
		return err
	}
	resp.Group = fromGroup(group)
	resp.Fragments = make([]Fragment, 0, len(fragments))
	for _, frag := range fragments {
		resp.Fragments = append(resp.Fragments, fromFragment(frag))
	}
	return nil
}

func (s *service) JobList(req JobListRequest, resp *JobListResponse) error {
	states := make([]queue.State, 0, len(req.States))
	for _, state := range req.States {
		parsed, ok := queue.ParseState(state)
		if !ok {
			continue
		}
		states = append(states, parsed)
	}
	jobs, err := s.daemon.ListJobs(s.ctx, states)
	if err != nil {
		return err
	}
	resp.Jobs = make([]Job, 0, len(jobs))
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, fromJob(job))
	}
	return nil
}

func (s *service) DeadLetters(_ DeadLettersRequest, resp *DeadLettersResponse) error {
	jobs, err := s.daemon.DeadLetters(s.ctx)
	if err != nil {
		return err
	}
	resp.Jobs = make([]Job, 0, len(jobs))
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, fromJob(job))
	}
	return nil
}

func (s *service) ResolveDeadLetter(req ResolveDeadLetterRequest, resp *ResolveDeadLetterResponse) error {
	if req.ID <= 0 {
		return fmt.Errorf("invalid job id %d", req.ID)
	}
	s.log().Debug("dead-letter resolution requested",
		logging.Int64(logging.FieldJobID, req.ID),
		logging.Bool("requeue", req.Requeue))
	job, err := s.daemon.ResolveDeadLetter(s.ctx, req.ID, req.Note, req.Requeue)
	if err != nil {
		return err
	}
	resp.Job = fromJob(job)
	return nil
}

func (s *service) Observe(req ObserveRequest, resp *ObserveResponse) error {
	if req.Path == "" {
		return errors.New("observe requires a fragment path")
	}
	s.log().Debug("manual observation requested", logging.String("path", req.Path))
	frag, created, err := s.daemon.Observe(s.ctx, req.Path, req.DecDegrees)
	if err != nil {
		return err
	}
	resp.Fragment = fromFragment(frag)
	resp.Created = created
	return nil
}

func (s *service) ProductList(req ProductListRequest, resp *ProductListResponse) error {
	var (
		products []*queue.Product
		err      error
	)
	if req.MissingOnly {
		products, err = s.daemon.MissingProducts(s.ctx)
	} else {
		products, err = s.daemon.Products(s.ctx)
	}
	if err != nil {
		return err
	}
	resp.Products = make([]Product, 0, len(products))
	for _, product := range products {
		resp.Products = append(resp.Products, fromProduct(product))
	}
	return nil
}

func (s *service) ProductRetire(req ProductRetireRequest, resp *ProductRetireResponse) error {
	if req.Fingerprint == "" {
		return errors.New("product retire requires a fingerprint")
	}
	s.log().Debug("product retirement requested", logging.String("fingerprint", req.Fingerprint))
	product, err := s.daemon.RetireProduct(s.ctx, req.Fingerprint)
	if err != nil {
		return err
	}
	resp.Product = fromProduct(product)
	return nil
}

func (s *service) AnomalyList(req AnomalyListRequest, resp *AnomalyListResponse) error {
	anomalies, err := s.daemon.Anomalies(s.ctx, req.IncludeResolved)
	if err != nil {
		return err
	}
	resp.Anomalies = make([]Anomaly, 0, len(anomalies))
	for _, anomaly := range anomalies {
		resp.Anomalies = append(resp.Anomalies, fromAnomaly(anomaly))
	}
	return nil
}

func (s *service) AnomalyResolve(req AnomalyResolveRequest, resp *AnomalyResolveResponse) error {
	if req.ID <= 0 {
		return fmt.Errorf("invalid anomaly id %d", req.ID)
	}
	resolved, err := s.daemon.ResolveAnomaly(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Resolved = resolved
	return nil
}

func (s *service) Sweep(_ SweepRequest, resp *SweepResponse) error {
	s.log().Debug("manual sweep requested")
	report, err := s.daemon.SweepNow(s.ctx)
	if err != nil {
		return err
	}
	resp.ArtifactsSeen = report.ArtifactsSeen
	resp.Registered = report.Registered
	resp.Healed = report.Healed
	resp.Orphans = report.Orphans
	resp.Dangling = report.Dangling
	resp.PrunedJobs = report.PrunedJobs
	resp.FreeBytes = report.FreeBytes
	return nil
}

func (s *service) Events(req EventsRequest, resp *EventsResponse) error {
	wait := req.WaitMillis > 0
	ctx := s.ctx
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, time.Duration(req.WaitMillis)*time.Millisecond)
		defer cancel()
	}
	evts, next, err := s.daemon.Events(ctx, req.Since, req.Limit, wait)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	resp.Events = evts
	resp.Next = next
	return nil
}

func (s *service) EventHistory(req EventHistoryRequest, resp *EventHistoryResponse) error {
	evts, err := s.daemon.EventHistory(req.Limit)
	if err != nil {
		return err
	}
	resp.Events = evts
	return nil
}

func (s *service) QueueHealth(_ QueueHealthRequest, resp *QueueHealthResponse) error {
	health, err := s.daemon.QueueHealth(s.ctx)
	if err != nil {
		return err
	}
	*resp = fromHealth(health)
	return nil
}

func (s *service) DatabaseHealth(_ DatabaseHealthRequest, resp *DatabaseHealthResponse) error {
	health, err := s.daemon.DatabaseHealth(s.ctx)
	if err != nil && health.Error == "" {
		return err
	}
	resp.DBPath = health.DBPath
	resp.DatabaseExists = health.DatabaseExists
	resp.DatabaseReadable = health.DatabaseReadable
	resp.SchemaVersion = health.SchemaVersion
	resp.TablesPresent = append(resp.TablesPresent, health.TablesPresent...)
	resp.MissingTables = append(resp.MissingTables, health.MissingTables...)
	resp.IntegrityCheck = health.IntegrityCheck
	resp.TotalJobs = health.TotalJobs
	resp.Error = health.Error
	if err != nil {
		return err
	}
	return nil
}

func (s *service) TestAlert(_ TestAlertRequest, resp *TestAlertResponse) error {
	sent, message, err := s.daemon.TestAlert(s.ctx)
	resp.Sent = sent
	resp.Message = message
	return err
}

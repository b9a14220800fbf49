package ipc_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fringe/internal/capture"
	"fringe/internal/convert"
	"fringe/internal/daemon"
	"fringe/internal/events"
	"fringe/internal/ipc"
	"fringe/internal/logging"
	"fringe/internal/queue"
	"fringe/internal/testsupport"
)

func TestIPCServerClient(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedConverter())
	store := testsupport.MustOpenStore(t, cfg)
	bus := events.NewBus(128)
	logger := logging.NewNop()
	runner, err := convert.NewRunner(cfg, logger)
	if err != nil {
		t.Fatalf("convert.NewRunner: %v", err)
	}
	d, err := daemon.New(cfg, store, bus, nil, runner, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	socket := cfg.SocketPath()
	srv, err := ipc.NewServer(ctx, socket, d, logger)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(func() {
		srv.Close()
	})
	time.Sleep(50 * time.Millisecond)

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
	})

	idle, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if idle.Running {
		t.Fatal("expected daemon to be idle before start")
	}

	startResp, err := client.Start()
	if err != nil {
		t.Fatalf("Start RPC failed: %v", err)
	}
	if !startResp.Started {
		t.Fatalf("expected Started=true, message=%s", startResp.Message)
	}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Running {
		t.Fatal("expected daemon to be running")
	}
	if status.Workers != cfg.Workers.Count {
		t.Fatalf("expected %d workers, got %d", cfg.Workers.Count, status.Workers)
	}
	if !status.Converter.Available {
		t.Fatalf("expected converter to be available: %s", status.Converter.Detail)
	}
	if !strings.HasSuffix(status.DatabasePath, "fringe.db") {
		t.Fatalf("unexpected database path: %s", status.DatabasePath)
	}
	for _, check := range status.Checks {
		if !check.Passed {
			t.Fatalf("expected check %s to pass: %s", check.Name, check.Detail)
		}
	}

	captureTime := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	groupKey := capture.GroupKey(captureTime)
	manualDir := t.TempDir()
	manualPath := filepath.Join(manualDir, capture.FragmentName(captureTime, 3))
	testsupport.WriteFile(t, manualPath, 256)

	obsResp, err := client.Observe(manualPath, nil)
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if !obsResp.Created || obsResp.Fragment.Ordinal != 3 {
		t.Fatalf("unexpected observe response: %#v", obsResp)
	}

	groupsResp, err := client.GroupList(nil)
	if err != nil {
		t.Fatalf("GroupList failed: %v", err)
	}
	if len(groupsResp.Groups) != 1 || groupsResp.Groups[0].GroupKey != groupKey {
		t.Fatalf("unexpected group list: %#v", groupsResp.Groups)
	}
	if groupsResp.Groups[0].MemberCount != 1 {
		t.Fatalf("expected one member, got %d", groupsResp.Groups[0].MemberCount)
	}

	describeResp, err := client.GroupDescribe(groupKey)
	if err != nil {
		t.Fatalf("GroupDescribe failed: %v", err)
	}
	if describeResp.Group.GroupKey != groupKey || len(describeResp.Fragments) != 1 {
		t.Fatalf("unexpected describe response: %#v", describeResp)
	}
	if describeResp.Fragments[0].Path != manualPath {
		t.Fatalf("unexpected fragment path %s", describeResp.Fragments[0].Path)
	}

	if _, err := client.GroupDescribe("2099-01-01T00:00:00"); err == nil {
		t.Fatal("expected describe of unknown group to fail")
	}

	artifactTime := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	artifactKey := capture.GroupKey(artifactTime)
	artifact := filepath.Join(cfg.Paths.ArtifactDir, artifactKey+".ms")
	if err := os.WriteFile(artifact, []byte("visibility data"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	var sweepResp *ipc.SweepResponse
	deadline := time.Now().Add(3 * time.Second)
	for {
		sweepResp, err = client.Sweep()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Sweep failed: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if sweepResp.Registered != 1 {
		t.Fatalf("expected sweep to register the orphan artifact, got %#v", sweepResp)
	}
	if sweepResp.FreeBytes <= 0 {
		t.Fatalf("expected free-space report, got %d", sweepResp.FreeBytes)
	}

	productsResp, err := client.ProductList(false)
	if err != nil {
		t.Fatalf("ProductList failed: %v", err)
	}
	if len(productsResp.Products) != 1 || productsResp.Products[0].ArtifactPath != artifact {
		t.Fatalf("unexpected product list: %#v", productsResp.Products)
	}

	missingResp, err := client.ProductList(true)
	if err != nil {
		t.Fatalf("ProductList missing failed: %v", err)
	}
	if len(missingResp.Products) != 0 {
		t.Fatalf("expected no missing products, got %d", len(missingResp.Products))
	}

	retireResp, err := client.ProductRetire(productsResp.Products[0].Fingerprint)
	if err != nil {
		t.Fatalf("ProductRetire failed: %v", err)
	}
	if retireResp.Product.Fingerprint != productsResp.Products[0].Fingerprint {
		t.Fatalf("unexpected retire response: %#v", retireResp)
	}

	followCh := make(chan *ipc.EventsResponse, 1)
	eventsResp, err := client.Events(ipc.EventsRequest{Limit: 100})
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(eventsResp.Events) == 0 || eventsResp.Next == 0 {
		t.Fatalf("expected buffered events, got %#v", eventsResp)
	}
	go func(since uint64) {
		follower, err := ipc.Dial(socket)
		if err != nil {
			t.Errorf("follower dial failed: %v", err)
			followCh <- nil
			return
		}
		defer follower.Close()
		resp, err := follower.Events(ipc.EventsRequest{Since: since, Limit: 10, WaitMillis: 5000})
		if err != nil {
			t.Errorf("follow events failed: %v", err)
			followCh <- nil
			return
		}
		followCh <- resp
	}(eventsResp.Next)

	time.Sleep(100 * time.Millisecond)
	laterPath := filepath.Join(manualDir, capture.FragmentName(captureTime, 4))
	testsupport.WriteFile(t, laterPath, 256)
	if _, err := client.Observe(laterPath, nil); err != nil {
		t.Fatalf("Observe for follower failed: %v", err)
	}

	select {
	case followed := <-followCh:
		if followed == nil || len(followed.Events) == 0 {
			t.Fatalf("expected follower to receive events, got %#v", followed)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("event follow timed out")
	}

	historyResp, err := client.EventHistory(10)
	if err != nil {
		t.Fatalf("EventHistory failed: %v", err)
	}
	if len(historyResp.Events) == 0 {
		t.Fatal("expected recent events in history")
	}

	anomaliesBefore, err := client.AnomalyList(false)
	if err != nil {
		t.Fatalf("AnomalyList failed: %v", err)
	}

	stopResp, err := client.Stop()
	if err != nil {
		t.Fatalf("Stop RPC failed: %v", err)
	}
	if !stopResp.Stopped {
		t.Fatal("expected stop response to be true")
	}

	junk := filepath.Join(cfg.Paths.ArtifactDir, "junk.ms")
	if err := os.WriteFile(junk, []byte("unparseable"), 0o644); err != nil {
		t.Fatalf("write junk artifact: %v", err)
	}
	if _, err := client.Sweep(); err != nil {
		t.Fatalf("Sweep after stop failed: %v", err)
	}

	anomaliesResp, err := client.AnomalyList(false)
	if err != nil {
		t.Fatalf("AnomalyList failed: %v", err)
	}
	if len(anomaliesResp.Anomalies) != len(anomaliesBefore.Anomalies)+1 {
		t.Fatalf("expected one new anomaly, got %d -> %d",
			len(anomaliesBefore.Anomalies), len(anomaliesResp.Anomalies))
	}
	var orphan *ipc.Anomaly
	for i := range anomaliesResp.Anomalies {
		if anomaliesResp.Anomalies[i].Subject == junk {
			orphan = &anomaliesResp.Anomalies[i]
		}
	}
	if orphan == nil {
		t.Fatalf("expected an anomaly for %s, got %#v", junk, anomaliesResp.Anomalies)
	}
	resolveResp, err := client.AnomalyResolve(orphan.ID)
	if err != nil || !resolveResp.Resolved {
		t.Fatalf("AnomalyResolve failed: resolved=%#v err=%v", resolveResp, err)
	}

	job := testsupport.EnqueueJob(t, store, "fp-dl", groupKey, []string{manualPath})
	if _, err := store.Lease(context.Background(), "worker-ipc", time.Minute); err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if _, err := store.Fail(context.Background(), job.ID, "worker-ipc", "corrupt subband header", false); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	deadResp, err := client.DeadLetters()
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(deadResp.Jobs) != 1 || deadResp.Jobs[0].ID != job.ID {
		t.Fatalf("unexpected dead letters: %#v", deadResp.Jobs)
	}
	if deadResp.Jobs[0].ErrorMessage == "" {
		t.Fatal("expected dead letter to carry its terminal error")
	}

	resolveDL, err := client.ResolveDeadLetter(job.ID, "fragments replayed from tape", true)
	if err != nil {
		t.Fatalf("ResolveDeadLetter failed: %v", err)
	}
	if resolveDL.Job.State != string(queue.StatePending) {
		t.Fatalf("expected requeued job to be pending, got %s", resolveDL.Job.State)
	}

	jobsResp, err := client.JobList([]string{string(queue.StatePending)})
	if err != nil {
		t.Fatalf("JobList failed: %v", err)
	}
	if len(jobsResp.Jobs) != 1 {
		t.Fatalf("expected one pending job, got %d", len(jobsResp.Jobs))
	}

	healthResp, err := client.QueueHealth()
	if err != nil {
		t.Fatalf("QueueHealth failed: %v", err)
	}
	if healthResp.JobsPending != 1 || healthResp.Fragments != 2 {
		t.Fatalf("unexpected health response: %#v", healthResp)
	}

	dbHealth, err := client.DatabaseHealth()
	if err != nil {
		t.Fatalf("DatabaseHealth failed: %v", err)
	}
	if !strings.HasSuffix(dbHealth.DBPath, "fringe.db") || !dbHealth.IntegrityCheck {
		t.Fatalf("unexpected db health: %#v", dbHealth)
	}

	alertResp, err := client.TestAlert()
	if err != nil {
		t.Fatalf("TestAlert failed: %v", err)
	}
	if alertResp.Sent || alertResp.Message == "" {
		t.Fatalf("expected unsent alert with explanation, got %#v", alertResp)
	}

	finalStatus, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if finalStatus.Running {
		t.Fatal("expected daemon to be stopped")
	}
}

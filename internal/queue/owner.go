package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/acpx/acpx/internal/acp"
	"github.com/acpx/acpx/internal/appdir"
	"github.com/acpx/acpx/internal/errcode"
	"github.com/acpx/acpx/internal/logging"
	"github.com/acpx/acpx/internal/session"
)

// cancelGrace is how long shutdown waits for an in-flight prompt to come
// back cancelled before the agent is killed outright.
const cancelGrace = 2500 * time.Millisecond

// Owner is one running queue-owner process: the lease holder, its socket
// server and the turn dispatcher around a single agent supervisor.
type Owner struct {
	recordID string
	lease    *Lease
	rec      *session.Recorder
	ser      *acp.Serializer
	sup      *acp.Supervisor
	ctl      *Controller
	srv      *Server
	sd       *ShutdownCoordinator
	log      *slog.Logger
}

// RunOwner is the detached owner entrypoint. It loads the session record,
// claims the lease, serves the queue socket and blocks until shutdown
// finishes. When another live owner already holds the lease it returns
// nil right away; submitters will reach that owner instead.
func RunOwner(payload OwnerPayload) error {
	queuesDir, err := appdir.QueuesDir()
	if err != nil {
		return err
	}
	sessionsDir, err := appdir.SessionsDir()
	if err != nil {
		return err
	}
	store, err := session.NewStore(sessionsDir)
	if err != nil {
		return err
	}

	recPtr, err := store.Load(payload.RecordID)
	if err != nil {
		return errcode.Wrap(errcode.KindNoSession, errcode.DetailSessionNotFound, err)
	}
	if recPtr.Closed {
		return errcode.Newf(errcode.KindNoSession, errcode.DetailSessionClosed,
			"session %s is closed", payload.RecordID)
	}
	rec := session.NewRecorder(store, recPtr)

	opts, err := payload.SupervisorOptions()
	if err != nil {
		return errcode.Wrap(errcode.KindUsage, "", err)
	}

	lease, liveSocket, err := AcquireLease(queuesDir, payload.RecordID)
	if err != nil {
		return err
	}
	if lease == nil {
		logging.Queue().Info("another owner already holds the lease",
			"session_id", payload.RecordID,
			"socket", liveSocket)
		return nil
	}

	ln, err := net.Listen("unix", lease.SocketPath())
	if err != nil {
		_ = lease.Release()
		return fmt.Errorf("failed to listen on queue socket: %w", err)
	}
	// The socket carries credentials in prompts; keep it private.
	_ = os.Chmod(lease.SocketPath(), 0o600)

	ser := acp.NewSerializer(rec)
	sup := acp.NewSupervisor(rec, ser, opts)
	ctl := NewController(sup, ser, rec, opts, payload.IdleTTL())

	o := &Owner{
		recordID: payload.RecordID,
		lease:    lease,
		rec:      rec,
		ser:      ser,
		sup:      sup,
		ctl:      ctl,
		srv:      NewServer(ln, ctl),
		sd:       NewShutdownCoordinator(),
		log: logging.WithSessionContext(logging.Queue(),
			rec.RecordID(), recPtr.ACPSessionID, recPtr.AgentCommand),
	}
	o.sd.AddCleanup(o.shutdown)
	o.sd.Start()

	go o.srv.Serve()
	go o.drainExits()

	o.log.Info("queue owner started",
		"pid", os.Getpid(),
		"socket", lease.SocketPath(),
		"idle_ttl", payload.IdleTTL())

	if idle := o.ctl.Run(); idle {
		o.sd.Shutdown("idle timeout")
	}
	<-o.sd.Done()
	o.log.Info("queue owner stopped", "reason", o.sd.Reason())
	return nil
}

// shutdown is the single cleanup path: reject new work, cancel the
// in-flight turn with a grace period, fail whatever is still queued, stop
// the agent and give back the lease.
func (o *Owner) shutdown(reason string) {
	o.log.Info("queue owner shutting down", "reason", reason)
	o.ctl.BeginClosing()
	o.srv.Close()

	if o.sup.HasActivePrompt() {
		ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
		if err := o.sup.Cancel(ctx); err != nil {
			o.log.Warn("failed to cancel in-flight prompt", "error", err)
		}
		waitUntil := time.Now().Add(cancelGrace)
		for o.sup.HasActivePrompt() && time.Now().Before(waitUntil) {
			time.Sleep(50 * time.Millisecond)
		}
		cancel()
	}

	o.ctl.closeQueue()
	o.sup.Close()

	if err := o.rec.Checkpoint(); err != nil {
		o.log.Warn("failed to checkpoint session record", "error", err)
	}
	if err := o.lease.Release(); err != nil {
		o.log.Warn("failed to release queue lease", "error", err)
	}
}

// drainExits surfaces agent terminations at the queue level. An exit with
// no turn in flight is only logged; the next prompt respawns the agent.
func (o *Owner) drainExits() {
	for {
		select {
		case exit := <-o.sup.Exits():
			o.log.Debug("agent lifecycle exit observed",
				"reason", exit.Reason,
				"unexpected_during_prompt", exit.UnexpectedDuringPrompt,
				"queue_depth", o.ctl.QueueDepth())
		case <-o.sd.Done():
			return
		}
	}
}

package comms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/semabot/semabot/internal/approval"
	"github.com/semabot/semabot/internal/logging"
	"github.com/semabot/semabot/internal/monitor"
	"github.com/semabot/semabot/internal/semaphore"
	"github.com/semabot/semabot/internal/shellwords"
	"github.com/semabot/semabot/internal/tail"
)

// HandlerConfig holds the collaborators of a Handler.
type HandlerConfig struct {
	Messenger Messenger
	Client    JobClient
	Tasks     *monitor.Tasks
	Monitors  *monitor.Registry
	Tail      *tail.Engine
	Aliases   AliasResolver
	Config    *Config

	// OnExit is called after a confirmed exit has been announced.
	OnExit func()

	Log *slog.Logger
}

// Handler routes chat messages and reactions to commands and
// confirmations. It is safe for concurrent use.
type Handler struct {
	messenger Messenger
	client    JobClient
	tasks     *monitor.Tasks
	monitors  *monitor.Registry
	tail      *tail.Engine
	aliases   AliasResolver
	approvals *approval.Manager
	rateLimit *RateLimiter
	onExit    func()
	log       *slog.Logger

	prefix       string
	allowedRooms map[string]bool
	admins       map[string]bool
}

// NewHandler creates a Handler from cfg.
func NewHandler(cfg *HandlerConfig) *Handler {
	c := cfg.Config
	if c == nil {
		c = DefaultConfig()
	}

	lg := cfg.Log
	if lg == nil {
		lg = logging.WithComponent("comms.handler")
	}

	prefix := strings.TrimSpace(c.Prefix)
	if prefix == "" {
		prefix = DefaultConfig().Prefix
	}

	tasks := cfg.Tasks
	if tasks == nil {
		tasks = monitor.NewTasks()
	}

	h := &Handler{
		messenger:    cfg.Messenger,
		client:       cfg.Client,
		tasks:        tasks,
		monitors:     cfg.Monitors,
		tail:         cfg.Tail,
		aliases:      cfg.Aliases,
		rateLimit:    NewRateLimiter(c.RateLimit),
		onExit:       cfg.OnExit,
		log:          lg,
		prefix:       prefix,
		allowedRooms: toSet(c.AllowedRooms),
		admins:       toSet(c.Admins),
	}
	h.approvals = approval.NewManager(c.Confirm, h.onConfirmationExpired)
	return h
}

// Cleanup forgets rate limit buckets idle for an hour.
func (h *Handler) Cleanup() {
	h.rateLimit.Cleanup(time.Hour)
}

// Close drops pending confirmations and stops their timers.
func (h *Handler) Close() {
	h.approvals.Close()
}

// HandleMessage processes one text message. Messages from rooms outside
// the allow-list are dropped silently.
func (h *Handler) HandleMessage(ctx context.Context, msg *IncomingMessage) {
	body := strings.TrimSpace(msg.Body)
	if body == "" || !h.roomAllowed(msg.RoomID) {
		return
	}

	ctx = logging.ContextWithSender(logging.ContextWithRoom(ctx, msg.RoomID), msg.SenderID)
	key := approval.Key{RoomID: msg.RoomID, SenderID: msg.SenderID}
	command, isCommand := h.stripPrefix(body)

	// A non-command message from someone with a pending confirmation is
	// their answer to it.
	if !isCommand {
		if h.approvals.Get(key) != nil {
			h.resolveByText(ctx, key, body)
		}
		return
	}

	if !h.rateLimit.AllowCommand(msg.RoomID + "|" + msg.SenderID) {
		logging.WithContext(ctx).Warn("Command rate limit exceeded")
		h.reply(ctx, msg.RoomID, "⚠️ Easy there, too many commands. Give it a minute.")
		return
	}

	if !h.isAdmin(msg.SenderID) {
		logging.WithContext(ctx).Info("Command from non-admin refused")
		h.reply(ctx, msg.RoomID, fmt.Sprintf("🙅 Nice try, %s, but you are not on my list.", msg.SenderID))
		return
	}

	if h.aliases != nil {
		if expanded, ok := h.aliases.Resolve(command); ok {
			logging.WithContext(ctx).Debug("Alias expanded",
				slog.String("from", command),
				slog.String("to", expanded))
			command = expanded
		}
	}

	args, err := shellwords.Split(command)
	if err != nil {
		h.reply(ctx, msg.RoomID, fmt.Sprintf("❓ Could not parse that command: %s.", err))
		return
	}
	if len(args) == 0 {
		h.handleHelp(ctx, msg.RoomID)
		return
	}

	h.dispatch(ctx, key, strings.ToLower(args[0]), args[1:])
}

// HandleReaction resolves a confirmation prompt reacted to by its
// requester. Unrelated reactions are ignored.
func (h *Handler) HandleReaction(ctx context.Context, r *IncomingReaction) {
	if !h.roomAllowed(r.RoomID) {
		return
	}
	ctx = logging.ContextWithSender(logging.ContextWithRoom(ctx, r.RoomID), r.SenderID)

	p, decision, err := h.approvals.ResolveReaction(r.TargetEventID, r.SenderID, r.Key)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return
	case errors.Is(err, approval.ErrNotRequester):
		h.reply(ctx, r.RoomID, fmt.Sprintf("🙅 %s, only %s can answer that one.", r.SenderID, p.Key.SenderID))
		return
	case err != nil:
		h.log.Warn("Failed to resolve reaction", slog.Any("error", err))
		return
	}

	h.applyDecision(ctx, p, decision)
}

// OnTaskRunning starts a log tail for a job that just started running
// when automatic tailing is on in its room.
func (h *Handler) OnTaskRunning(ctx context.Context, job monitor.Job) {
	if h.tail == nil || !h.tail.Auto(job.RoomID) {
		return
	}
	h.tail.Start(ctx, job.RoomID, job.ProjectID, job.TaskID)
	h.reply(ctx, job.RoomID, fmt.Sprintf("📜 Following the log of task #%d", job.TaskID))
}

func (h *Handler) resolveByText(ctx context.Context, key approval.Key, text string) {
	p, decision, err := h.approvals.ResolveText(key, text)
	if err != nil {
		// Resolved concurrently by a reaction or the timeout.
		return
	}
	h.applyDecision(ctx, p, decision)
}

func (h *Handler) applyDecision(ctx context.Context, p *approval.Pending, decision approval.Decision) {
	logging.WithContext(ctx).Info("Confirmation resolved",
		slog.String("id", p.ID),
		slog.String("action", string(p.Action)),
		slog.String("decision", string(decision)))

	if decision != approval.DecisionConfirmed {
		switch p.Action {
		case approval.ActionExit:
			h.reply(ctx, p.Key.RoomID, "👌 Staying online.")
		default:
			h.reply(ctx, p.Key.RoomID, "👌 Cancelled, nothing was started.")
		}
		return
	}

	switch p.Action {
	case approval.ActionExit:
		h.executeExit(ctx, p.Key)
	case approval.ActionRunTask:
		h.executeRun(ctx, p.Key, p.Params)
	}
}

func (h *Handler) onConfirmationExpired(p *approval.Pending) {
	ctx := logging.ContextWithRoom(context.Background(), p.Key.RoomID)
	switch p.Action {
	case approval.ActionExit:
		h.reply(ctx, p.Key.RoomID, "⌛ Exit confirmation timed out, staying online.")
	default:
		name := ""
		if p.Params != nil {
			name = " for **" + p.Params.TemplateName + "**"
		}
		h.reply(ctx, p.Key.RoomID, fmt.Sprintf("⌛ %s, the run confirmation%s timed out. Nothing was started.", p.Key.SenderID, name))
	}
}

// executeRun starts a confirmed task and hands it to the active monitor.
func (h *Handler) executeRun(ctx context.Context, key approval.Key, params *approval.RunParams) {
	if params == nil {
		return
	}
	log := logging.WithContext(ctx)

	if !h.rateLimit.AllowTask(key.RoomID) {
		log.Warn("Task start rate limit exceeded")
		h.reply(ctx, key.RoomID, "⏳ Too many task starts in this room lately. Try again later.")
		return
	}

	arguments, err := semaphore.EncodeArguments(params.Arguments)
	if err != nil {
		h.reply(ctx, key.RoomID, "❓ Could not understand those arguments.")
		return
	}
	req := &semaphore.StartTaskRequest{
		TemplateID: params.TemplateID,
		Arguments:  arguments,
		Message:    "Started from chat by " + key.SenderID,
	}
	if tags := semaphore.SplitTags(params.Tags); len(tags) > 0 {
		req.Params = &semaphore.TaskParams{Tags: tags}
	}

	task, err := h.client.StartTask(ctx, params.ProjectID, req)
	if err != nil {
		log.Error("Failed to start task",
			slog.Int("project_id", params.ProjectID),
			slog.Int("template_id", params.TemplateID),
			slog.Any("error", err))
		h.reply(ctx, key.RoomID, "❌ Could not start the task. Semaphore did not accept the request.")
		return
	}

	log.Info("Task started",
		slog.Int("project_id", task.ProjectID),
		slog.Int("task_id", task.ID),
		slog.String("template", params.TemplateName))

	h.reply(ctx, key.RoomID, fmt.Sprintf("🚀 Started task [#%d](%s) (**%s**)",
		task.ID, h.client.TaskURL(task.ProjectID, task.ID), params.TemplateName))

	job := monitor.Job{
		ProjectID:    task.ProjectID,
		TaskID:       task.ID,
		RoomID:       key.RoomID,
		Requester:    key.SenderID,
		TemplateName: params.TemplateName,
		Status:       task.Status,
		StartedAt:    time.Now(),
	}
	h.track(ctx, job)
}

// track hands job to the active monitor. Without one the job is still
// registered so later commands can refer to it.
func (h *Handler) track(ctx context.Context, job monitor.Job) {
	var backend monitor.Backend
	if h.monitors != nil {
		backend = h.monitors.Active()
	}
	if backend == nil {
		h.tasks.Add(job, nil)
		h.log.Warn("No task monitor active, task will not be watched", slog.Int("task_id", job.TaskID))
		return
	}
	if err := backend.Monitor(ctx, job); err != nil {
		h.tasks.Add(job, nil)
		h.log.Error("Failed to monitor task",
			slog.String("backend", backend.Name()),
			slog.Int("task_id", job.TaskID),
			slog.Any("error", err))
	}
}

func (h *Handler) executeExit(ctx context.Context, key approval.Key) {
	logging.WithContext(ctx).Info("Exit confirmed, shutting down")
	h.reply(ctx, key.RoomID, "👋 Shutting down. Bye!")
	if h.onExit != nil {
		h.onExit()
	}
}

func (h *Handler) stripPrefix(body string) (string, bool) {
	n := len(h.prefix)
	if len(body) < n || !strings.EqualFold(body[:n], h.prefix) {
		return "", false
	}
	rest := body[n:]
	// "!semfoo" is not a command for prefix "!sem".
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' && rest[0] != '\n' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func (h *Handler) roomAllowed(roomID string) bool {
	return len(h.allowedRooms) == 0 || h.allowedRooms[roomID]
}

func (h *Handler) isAdmin(senderID string) bool {
	return len(h.admins) == 0 || h.admins[senderID]
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			set[it] = true
		}
	}
	return set
}

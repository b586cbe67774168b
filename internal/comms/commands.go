package comms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/semabot/semabot/internal/approval"
	"github.com/semabot/semabot/internal/format"
	"github.com/semabot/semabot/internal/logging"
	"github.com/semabot/semabot/internal/semaphore"
)

const genericFailure = "❌ Semaphore request failed. Check the bot logs for details."

// dispatch routes a parsed command to exactly one verb handler.
func (h *Handler) dispatch(ctx context.Context, key approval.Key, verb string, args []string) {
	room := key.RoomID

	switch verb {
	case "help":
		h.handleHelp(ctx, room)
	case "ping":
		h.reply(ctx, room, "🏓 pong")
	case "projects":
		h.handleProjects(ctx, room)
	case "templates":
		h.handleTemplates(ctx, room, args)
	case "run":
		h.handleRun(ctx, key, args)
	case "status":
		h.handleStatus(ctx, room, args)
	case "stop":
		h.handleStop(ctx, room, args)
	case "logs", "log":
		h.handleLogs(ctx, room, args)
	case "tasks":
		h.handleTasks(ctx, room)
	case "aliases":
		h.handleAliases(ctx, room)
	case "monitors":
		h.handleMonitors(ctx, room)
	case "exit", "quit":
		h.handleExit(ctx, key)
	default:
		h.reply(ctx, room, fmt.Sprintf("🤔 I don't know `%s`. Try `%s help`.", verb, h.prefix))
	}
}

func (h *Handler) handleHelp(ctx context.Context, room string) {
	p := h.prefix
	var sb strings.Builder
	sb.WriteString("🤖 **Semaphore bot**\n\n")
	fmt.Fprintf(&sb, "`%s projects` list projects\n", p)
	fmt.Fprintf(&sb, "`%s templates [project]` list a project's templates\n", p)
	fmt.Fprintf(&sb, "`%s run [project] [template] [--tags=a,b] [--arguments=\"...\"]` start a task (asks first)\n", p)
	fmt.Fprintf(&sb, "`%s status [task]` show a task's state\n", p)
	fmt.Fprintf(&sb, "`%s stop [task]` stop a task\n", p)
	fmt.Fprintf(&sb, "`%s logs [task|on|off]` show or follow a task's output\n", p)
	fmt.Fprintf(&sb, "`%s tasks` tasks being watched\n", p)
	fmt.Fprintf(&sb, "`%s aliases` configured shortcuts\n", p)
	fmt.Fprintf(&sb, "`%s monitors` task monitor in use\n", p)
	fmt.Fprintf(&sb, "`%s ping` check I'm alive\n", p)
	fmt.Fprintf(&sb, "`%s exit` shut me down (asks first)\n", p)
	sb.WriteString("\nLeaving out the task id means the last task started.")
	h.reply(ctx, room, sb.String())
}

func (h *Handler) handleProjects(ctx context.Context, room string) {
	projects, err := h.client.ListProjects(ctx)
	if err != nil {
		h.remoteFailure(ctx, room, "list projects", err)
		return
	}
	if len(projects) == 0 {
		h.reply(ctx, room, "📭 No projects yet. Create one in Semaphore first.")
		return
	}

	var sb strings.Builder
	sb.WriteString("📁 **Projects**\n\n")
	for _, p := range projects {
		fmt.Fprintf(&sb, "- `%d` %s\n", p.ID, p.Name)
	}
	h.reply(ctx, room, sb.String())
}

func (h *Handler) handleTemplates(ctx context.Context, room string, args []string) {
	var projectID int
	switch len(args) {
	case 0:
		id, problem, err := h.defaultProject(ctx)
		if err != nil {
			h.remoteFailure(ctx, room, "list projects", err)
			return
		}
		if problem != "" {
			h.reply(ctx, room, problem)
			return
		}
		projectID = id
	case 1:
		id, err := semaphore.ParseID(args[0])
		if err != nil {
			h.reply(ctx, room, fmt.Sprintf("❓ `%s` is not a project id. Usage: `%s templates [project_id]`", args[0], h.prefix))
			return
		}
		projectID = id
	default:
		h.reply(ctx, room, fmt.Sprintf("Usage: `%s templates [project_id]`", h.prefix))
		return
	}

	templates, err := h.client.ListTemplates(ctx, projectID)
	if err != nil {
		h.remoteFailure(ctx, room, "list templates", err)
		return
	}
	if len(templates) == 0 {
		h.reply(ctx, room, fmt.Sprintf("📭 Project #%d has no templates yet. Create one in Semaphore first.", projectID))
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 **Templates in project #%d**\n\n", projectID)
	for _, t := range templates {
		fmt.Fprintf(&sb, "- `%d` %s", t.ID, t.Name)
		if t.Description != "" {
			fmt.Fprintf(&sb, " (%s)", format.Truncate(t.Description, 80))
		}
		sb.WriteString("\n")
	}
	h.reply(ctx, room, sb.String())
}

func (h *Handler) handleRun(ctx context.Context, key approval.Key, args []string) {
	room := key.RoomID
	usage := fmt.Sprintf("Usage: `%s run [project_id] [template_id] [--tags=a,b] [--arguments=\"...\"]`", h.prefix)

	parsed, err := parseRunArgs(args)
	if err != nil {
		h.reply(ctx, room, fmt.Sprintf("❓ %s. %s", err, usage))
		return
	}
	ids, err := parseIDs(parsed.Positional)
	if err != nil {
		h.reply(ctx, room, fmt.Sprintf("❓ %s. %s", err, usage))
		return
	}

	tpl, problem, err := h.resolveRunTarget(ctx, ids)
	if err != nil {
		h.remoteFailure(ctx, room, "look up templates", err)
		return
	}
	if problem != "" {
		h.reply(ctx, room, problem)
		return
	}

	params := &approval.RunParams{
		ProjectID:    tpl.ProjectID,
		TemplateID:   tpl.ID,
		TemplateName: tpl.Name,
		Tags:         parsed.Tags,
		Arguments:    parsed.Arguments,
	}

	p, _, err := h.approvals.Request(key, approval.ActionRunTask, params)
	if errors.Is(err, approval.ErrConflict) {
		h.reply(ctx, room, fmt.Sprintf("⚠️ %s, answer the pending %s confirmation first.", key.SenderID, strings.ReplaceAll(string(p.Action), "_", " ")))
		return
	}
	if err != nil {
		h.log.Error("Failed to request confirmation", slog.Any("error", err))
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "⚠️ %s, start **%s** (template #%d, project #%d)?\n", key.SenderID, tpl.Name, tpl.ID, tpl.ProjectID)
	if tpl.Description != "" {
		fmt.Fprintf(&sb, "\n%s\n", tpl.Description)
	}
	if params.Tags != "" {
		fmt.Fprintf(&sb, "\nTags: `%s`\n", params.Tags)
	}
	if params.Arguments != "" {
		fmt.Fprintf(&sb, "\nArguments: `%s`\n", params.Arguments)
	}
	fmt.Fprintf(&sb, "\nReply **yes** or react 👍 to start, anything else or 👎 cancels. Expires %s.",
		humanize.Time(p.ExpiresAt))

	if id := h.reply(ctx, room, sb.String()); id != "" {
		h.approvals.AttachMessage(p, id)
	}
}

// resolveRunTarget picks the template to run from zero, one or two ids.
// A non-empty problem is a user-facing explanation of why no template
// could be chosen.
func (h *Handler) resolveRunTarget(ctx context.Context, ids []int) (*semaphore.Template, string, error) {
	var projectID int
	if len(ids) > 0 {
		projectID = ids[0]
	} else {
		id, problem, err := h.defaultProject(ctx)
		if err != nil || problem != "" {
			return nil, problem, err
		}
		projectID = id
	}

	templates, err := h.client.ListTemplates(ctx, projectID)
	if err != nil {
		return nil, "", err
	}

	if len(ids) == 2 {
		for _, t := range templates {
			if t.ID == ids[1] {
				if t.ProjectID == 0 {
					t.ProjectID = projectID
				}
				return t, "", nil
			}
		}
		return nil, fmt.Sprintf("❓ Template #%d not found in project #%d. See `%s templates %d`.", ids[1], projectID, h.prefix, projectID), nil
	}

	switch len(templates) {
	case 0:
		return nil, fmt.Sprintf("📭 Project #%d has no templates yet. Create one in Semaphore first.", projectID), nil
	case 1:
		t := templates[0]
		if t.ProjectID == 0 {
			t.ProjectID = projectID
		}
		return t, "", nil
	default:
		return nil, fmt.Sprintf("🤷 Project #%d has %s. Pick one with `%s run %d <template_id>`, see `%s templates %d`.",
			projectID, plural(len(templates), "template", "templates"), h.prefix, projectID, h.prefix, projectID), nil
	}
}

// defaultProject returns the only project, or a problem message when
// there are none or several.
func (h *Handler) defaultProject(ctx context.Context) (int, string, error) {
	projects, err := h.client.ListProjects(ctx)
	if err != nil {
		return 0, "", err
	}
	switch len(projects) {
	case 0:
		return 0, "📭 No projects yet. Create one in Semaphore first.", nil
	case 1:
		return projects[0].ID, "", nil
	default:
		return 0, fmt.Sprintf("🤷 There are %s. Name one explicitly, see `%s projects`.",
			plural(len(projects), "project", "projects"), h.prefix), nil
	}
}

// taskTarget resolves "[task_id] [project_id]" against the last started
// task. A non-empty problem is a usage message.
func (h *Handler) taskTarget(verb string, args []string) (projectID, taskID int, problem string) {
	usage := fmt.Sprintf("Usage: `%s %s [task_id] [project_id]`", h.prefix, verb)

	ids, err := parseIDs(args)
	if err != nil || len(ids) > 2 {
		return 0, 0, "❓ " + usage
	}

	switch len(ids) {
	case 0:
		pid, tid, ok := h.tasks.Last()
		if !ok {
			return 0, 0, fmt.Sprintf("🤷 No task started yet, so I don't know which one you mean. %s", usage)
		}
		return pid, tid, ""
	case 1:
		pid, ok := h.tasks.ProjectOf(ids[0])
		if !ok {
			return 0, 0, fmt.Sprintf("🤷 I don't know which project task #%d is in. %s", ids[0], usage)
		}
		return pid, ids[0], ""
	default:
		return ids[1], ids[0], ""
	}
}

func (h *Handler) handleStatus(ctx context.Context, room string, args []string) {
	projectID, taskID, problem := h.taskTarget("status", args)
	if problem != "" {
		h.reply(ctx, room, problem)
		return
	}

	task, err := h.client.GetTask(ctx, projectID, taskID)
	if errors.Is(err, semaphore.ErrNotFound) {
		h.reply(ctx, room, fmt.Sprintf("🤷 Task #%d not found in project #%d.", taskID, projectID))
		return
	}
	if err != nil {
		h.remoteFailure(ctx, room, "fetch task", err)
		return
	}

	name := ""
	if job, ok := h.tasks.Get(taskID); ok && job.TemplateName != "" {
		name = fmt.Sprintf(" (**%s**)", job.TemplateName)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s Task [#%d](%s)%s is **%s**", statusEmoji(task.Status), task.ID,
		h.client.TaskURL(projectID, task.ID), name, task.Status)
	switch {
	case task.End != nil:
		fmt.Fprintf(&sb, ", finished %s", humanize.Time(*task.End))
	case task.Start != nil:
		fmt.Fprintf(&sb, ", started %s", humanize.Time(*task.Start))
	}
	if task.Message != "" {
		fmt.Fprintf(&sb, "\n\n%s", task.Message)
	}
	h.reply(ctx, room, sb.String())
}

func (h *Handler) handleStop(ctx context.Context, room string, args []string) {
	projectID, taskID, problem := h.taskTarget("stop", args)
	if problem != "" {
		h.reply(ctx, room, problem)
		return
	}

	err := h.client.StopTask(ctx, projectID, taskID)
	if errors.Is(err, semaphore.ErrNotFound) {
		h.reply(ctx, room, fmt.Sprintf("🤷 Task #%d not found in project #%d.", taskID, projectID))
		return
	}
	if err != nil {
		h.remoteFailure(ctx, room, "stop task", err)
		return
	}

	h.tasks.Remove(taskID)
	logging.WithContext(ctx).Info("Task stop requested", slog.Int("task_id", taskID))
	h.reply(ctx, room, fmt.Sprintf("⏹ Stop requested for task #%d.", taskID))
}

func (h *Handler) handleLogs(ctx context.Context, room string, args []string) {
	if h.tail == nil {
		h.reply(ctx, room, "📜 Log access is not configured.")
		return
	}

	if len(args) == 1 {
		switch strings.ToLower(args[0]) {
		case "on":
			h.logsOn(ctx, room)
			return
		case "off":
			h.logsOff(ctx, room)
			return
		}
	}

	projectID, taskID, problem := h.taskTarget("logs", args)
	if problem != "" {
		h.reply(ctx, room, fmt.Sprintf("%s\nOr `%s logs on|off` to follow tasks as they run.", problem, h.prefix))
		return
	}

	plain, formatted, err := h.tail.Snapshot(ctx, projectID, taskID)
	if errors.Is(err, semaphore.ErrNotFound) {
		h.reply(ctx, room, fmt.Sprintf("🤷 Task #%d not found in project #%d.", taskID, projectID))
		return
	}
	if err != nil {
		h.remoteFailure(ctx, room, "fetch task output", err)
		return
	}
	h.replyRaw(ctx, room, plain, formatted)
}

func (h *Handler) logsOn(ctx context.Context, room string) {
	h.tail.SetAuto(room, true)

	projectID, taskID, ok := h.tasks.Last()
	if !ok {
		h.reply(ctx, room, "📜 Log following is on. I'll follow the next task that starts running.")
		return
	}
	h.tail.Start(ctx, room, projectID, taskID)
	h.reply(ctx, room, fmt.Sprintf("📜 Log following is on. Following task #%d now.", taskID))
}

func (h *Handler) logsOff(ctx context.Context, room string) {
	h.tail.SetAuto(room, false)
	if s, ok := h.tail.Stop(room); ok {
		h.reply(ctx, room, fmt.Sprintf("📜 Log following is off. Stopped following task #%d.", s.TaskID))
		return
	}
	h.reply(ctx, room, "📜 Log following is off.")
}

func (h *Handler) handleTasks(ctx context.Context, room string) {
	jobs := h.tasks.List()
	if len(jobs) == 0 {
		h.reply(ctx, room, "💤 No tasks being watched.")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "👀 **Watching %s**\n\n", plural(len(jobs), "task", "tasks"))
	for _, j := range jobs {
		status := j.Status
		if status == "" {
			status = semaphore.StatusWaiting
		}
		fmt.Fprintf(&sb, "- #%d **%s** (project #%d) %s, started %s by %s\n",
			j.TaskID, j.TemplateName, j.ProjectID, status, humanize.Time(j.StartedAt), j.Requester)
	}
	h.reply(ctx, room, sb.String())
}

func (h *Handler) handleAliases(ctx context.Context, room string) {
	if h.aliases == nil || len(h.aliases.List()) == 0 {
		h.reply(ctx, room, "📭 No aliases configured.")
		return
	}

	var sb strings.Builder
	sb.WriteString("🔖 **Aliases**\n\n")
	for _, a := range h.aliases.List() {
		fmt.Fprintf(&sb, "- `%s` → `%s`\n", a.Name, a.Command)
	}
	h.reply(ctx, room, sb.String())
}

func (h *Handler) handleMonitors(ctx context.Context, room string) {
	if h.monitors == nil || h.monitors.Active() == nil {
		h.reply(ctx, room, "⚠️ No task monitor is active. Started tasks are not watched.")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🛰 Task monitor: **%s**\n", h.monitors.Active().Name())
	for _, s := range h.monitors.Skipped() {
		fmt.Fprintf(&sb, "\n- skipped `%s`: %s", s.Name, s.Reason)
	}
	h.reply(ctx, room, sb.String())
}

func (h *Handler) handleExit(ctx context.Context, key approval.Key) {
	p, confirmed, err := h.approvals.Request(key, approval.ActionExit, nil)
	if errors.Is(err, approval.ErrConflict) {
		h.reply(ctx, key.RoomID, fmt.Sprintf("⚠️ %s, answer the pending %s confirmation first.", key.SenderID, strings.ReplaceAll(string(p.Action), "_", " ")))
		return
	}
	if err != nil {
		h.log.Error("Failed to request confirmation", slog.Any("error", err))
		return
	}
	if confirmed {
		h.executeExit(ctx, key)
		return
	}

	msg := fmt.Sprintf("⚠️ %s, really shut me down? Reply **yes**, react 👍 or send `%s exit` again. Expires %s.",
		key.SenderID, h.prefix, humanize.Time(p.ExpiresAt))
	if id := h.reply(ctx, key.RoomID, msg); id != "" {
		h.approvals.AttachMessage(p, id)
	}
}

// remoteFailure logs a job service error and tells the room without
// leaking transport details.
func (h *Handler) remoteFailure(ctx context.Context, room, what string, err error) {
	logging.WithContext(ctx).Error("Semaphore request failed",
		slog.String("operation", what),
		slog.Any("error", err))
	h.reply(ctx, room, genericFailure)
}

func statusEmoji(s semaphore.Status) string {
	switch s {
	case semaphore.StatusWaiting:
		return "⏳"
	case semaphore.StatusRunning:
		return "🏃"
	case semaphore.StatusSuccess:
		return "✅"
	case semaphore.StatusError:
		return "❌"
	case semaphore.StatusStopped:
		return "⏹"
	default:
		return "❔"
	}
}
